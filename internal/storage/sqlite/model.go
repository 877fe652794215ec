package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

const modelCols = `id, name, remark, max_retry, time_out_seconds, io_log, strategy, breaker, created_at, updated_at, deleted_at`

// CreateModel inserts a new logical model and fills in its assigned ID.
func (s *Store) CreateModel(ctx context.Context, m *gateway.Model) error {
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	if m.Strategy == "" {
		m.Strategy = gateway.StrategyLottery
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO models (name, remark, max_retry, time_out_seconds, io_log, strategy, breaker, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.Remark, m.MaxRetry, m.TimeoutSeconds, boolToInt(m.IOLog),
		string(m.Strategy), boolToInt(m.Breaker),
		strFromTime(m.CreatedAt), strFromTime(m.UpdatedAt),
	)
	if err != nil {
		return err
	}
	lastInsertID(result, &m.ID)
	return nil
}

// GetModel retrieves a live model by ID.
func (s *Store) GetModel(ctx context.Context, id int64) (*gateway.Model, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+modelCols+` FROM models WHERE id=? AND deleted_at IS NULL`, id)
	return scanModel(row)
}

// GetModelByName retrieves a live model by name.
func (s *Store) GetModelByName(ctx context.Context, name string) (*gateway.Model, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+modelCols+` FROM models WHERE name=? AND deleted_at IS NULL`, name)
	return scanModel(row)
}

// ListModels returns live models, newest first, paginated.
func (s *Store) ListModels(ctx context.Context, offset, limit int) ([]*gateway.Model, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+modelCols+` FROM models WHERE deleted_at IS NULL ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*gateway.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// CountModels returns the number of live models.
func (s *Store) CountModels(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM models WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

// UpdateModel updates a live model.
func (s *Store) UpdateModel(ctx context.Context, m *gateway.Model) error {
	m.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE models SET name=?, remark=?, max_retry=?, time_out_seconds=?, io_log=?, strategy=?, breaker=?, updated_at=?
		 WHERE id=? AND deleted_at IS NULL`,
		m.Name, m.Remark, m.MaxRetry, m.TimeoutSeconds, boolToInt(m.IOLog),
		string(m.Strategy), boolToInt(m.Breaker), strFromTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

// DeleteModel soft-deletes a model.
func (s *Store) DeleteModel(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE models SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		strFromTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

func scanModel(s scanner) (*gateway.Model, error) {
	var m gateway.Model
	var ioLog, breaker int
	var strategy, createdAt, updatedAt string
	var deletedAt sql.NullString

	err := s.Scan(&m.ID, &m.Name, &m.Remark, &m.MaxRetry, &m.TimeoutSeconds,
		&ioLog, &strategy, &breaker, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	m.IOLog = ioLog != 0
	m.Breaker = breaker != 0
	m.Strategy = gateway.Strategy(strategy)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		m.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		m.UpdatedAt = *t
	}
	m.DeletedAt = parseTime(deletedAt)
	return &m, nil
}
