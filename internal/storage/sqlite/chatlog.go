package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/storage"
)

const chatLogCols = `id, created_at, auth_key_id, binding_id, model_name, provider_name, provider_model,
	 dialect, status, user_agent, remote_ip, error, retry_count, proxy_ms, first_chunk_ms, chunk_ms,
	 tps, io_recorded, response_size_bytes, prompt_tokens, completion_tokens, total_tokens, cached_tokens`

// InsertChatLogs writes a batch of log rows in one transaction and fills in
// the assigned IDs.
func (s *Store) InsertChatLogs(ctx context.Context, logs []*gateway.ChatLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chat_logs (created_at, auth_key_id, binding_id, model_name, provider_name, provider_model,
		 dialect, status, user_agent, remote_ip, error, retry_count, proxy_ms, first_chunk_ms, chunk_ms,
		 tps, io_recorded, response_size_bytes, prompt_tokens, completion_tokens, total_tokens, cached_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		result, err := stmt.ExecContext(ctx,
			strFromTime(l.CreatedAt), l.AuthKeyID, l.BindingID, l.ModelName, l.ProviderName, l.ProviderModel,
			string(l.Dialect), string(l.Status), l.UserAgent, l.RemoteIP, l.Error, l.RetryCount,
			l.ProxyMs, l.FirstChunkMs, l.ChunkMs, l.TPS, boolToInt(l.IORecorded), l.ResponseSizeBytes,
			l.PromptTokens, l.CompletionTokens, l.TotalTokens, l.CachedTokens,
		)
		if err != nil {
			return err
		}
		lastInsertID(result, &l.ID)
	}
	return tx.Commit()
}

// InsertChatIO writes the raw request/response bodies for a log row.
func (s *Store) InsertChatIO(ctx context.Context, io *gateway.ChatIO) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO chat_ios (log_id, input, output) VALUES (?, ?, ?)`,
		io.LogID, io.Input, []byte(io.Output))
	return err
}

// GetChatIO retrieves the recorded bodies for a log row.
func (s *Store) GetChatIO(ctx context.Context, logID int64) (*gateway.ChatIO, error) {
	io := gateway.ChatIO{LogID: logID}
	var output []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT input, output FROM chat_ios WHERE log_id=?`, logID).
		Scan(&io.Input, &output)
	if err != nil {
		return nil, notFoundErr(err)
	}
	io.Output = output
	return &io, nil
}

// ListChatLogs returns log rows, newest first, paginated.
func (s *Store) ListChatLogs(ctx context.Context, offset, limit int) ([]*gateway.ChatLog, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+chatLogCols+` FROM chat_logs ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*gateway.ChatLog
	for rows.Next() {
		l, err := scanChatLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountChatLogs returns the total number of log rows.
func (s *Store) CountChatLogs(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_logs`).Scan(&n)
	return n, err
}

// RecentOutcomes returns up to limit dispatch outcomes from the newest log
// rows, oldest first, for health state warmup after a restart.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT binding_id, status, proxy_ms, created_at FROM
		 (SELECT binding_id, status, proxy_ms, created_at, id FROM chat_logs
		  WHERE binding_id > 0 ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []storage.Outcome
	for rows.Next() {
		var o storage.Outcome
		var status, createdAt string
		if err := rows.Scan(&o.BindingID, &status, &o.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		o.Success = status == string(gateway.LogSuccess)
		if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
			o.At = *t
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// CleanupByCount deletes the oldest log rows so at most keep remain, along
// with their recorded bodies.
func (s *Store) CleanupByCount(ctx context.Context, keep int64) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM chat_ios WHERE log_id IN
		 (SELECT id FROM chat_logs ORDER BY id DESC LIMIT -1 OFFSET ?)`, keep)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM chat_logs WHERE id IN
		 (SELECT id FROM chat_logs ORDER BY id DESC LIMIT -1 OFFSET ?)`, keep)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

// CleanupByAge deletes log rows older than the cutoff, along with their
// recorded bodies.
func (s *Store) CleanupByAge(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cut := strFromTime(cutoff)
	_, err = tx.ExecContext(ctx,
		`DELETE FROM chat_ios WHERE log_id IN (SELECT id FROM chat_logs WHERE created_at < ?)`, cut)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM chat_logs WHERE created_at < ?`, cut)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

func scanChatLog(s scanner) (*gateway.ChatLog, error) {
	var l gateway.ChatLog
	var dialect, status, createdAt string
	var ioRecorded int

	err := s.Scan(&l.ID, &createdAt, &l.AuthKeyID, &l.BindingID, &l.ModelName, &l.ProviderName, &l.ProviderModel,
		&dialect, &status, &l.UserAgent, &l.RemoteIP, &l.Error, &l.RetryCount,
		&l.ProxyMs, &l.FirstChunkMs, &l.ChunkMs, &l.TPS, &ioRecorded, &l.ResponseSizeBytes,
		&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens, &l.CachedTokens)
	if err != nil {
		return nil, notFoundErr(err)
	}

	l.Dialect = gateway.Dialect(dialect)
	l.Status = gateway.LogStatus(status)
	l.IORecorded = ioRecorded != 0
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		l.CreatedAt = *t
	}
	return &l, nil
}
