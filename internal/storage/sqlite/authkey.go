package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

const authKeyCols = `id, name, key, status, allow_all, models, expires_at, usage_count, last_used_at, created_at, updated_at, deleted_at`

// CreateAuthKey inserts a new API key and fills in its assigned ID.
func (s *Store) CreateAuthKey(ctx context.Context, k *gateway.AuthKey) error {
	now := time.Now().UTC()
	k.CreatedAt, k.UpdatedAt = now, now
	models, err := marshalJSON(k.Models)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO auth_keys (name, key, status, allow_all, models, expires_at, usage_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Name, k.Key, boolToInt(k.Enabled), boolToInt(k.AllowAll), models,
		timeToStr(k.ExpiresAt), k.UsageCount,
		strFromTime(k.CreatedAt), strFromTime(k.UpdatedAt),
	)
	if err != nil {
		return err
	}
	lastInsertID(result, &k.ID)
	return nil
}

// GetAuthKey retrieves a live key by ID.
func (s *Store) GetAuthKey(ctx context.Context, id int64) (*gateway.AuthKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+authKeyCols+` FROM auth_keys WHERE id=? AND deleted_at IS NULL`, id)
	return scanAuthKey(row)
}

// GetAuthKeyBySecret retrieves a live key by its secret string.
func (s *Store) GetAuthKeyBySecret(ctx context.Context, secret string) (*gateway.AuthKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+authKeyCols+` FROM auth_keys WHERE key=? AND deleted_at IS NULL`, secret)
	return scanAuthKey(row)
}

// ListAuthKeys returns live keys, newest first, paginated.
func (s *Store) ListAuthKeys(ctx context.Context, offset, limit int) ([]*gateway.AuthKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+authKeyCols+` FROM auth_keys WHERE deleted_at IS NULL ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.AuthKey
	for rows.Next() {
		k, err := scanAuthKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateAuthKey updates a live key. The secret itself is immutable after create.
func (s *Store) UpdateAuthKey(ctx context.Context, k *gateway.AuthKey) error {
	k.UpdatedAt = time.Now().UTC()
	models, err := marshalJSON(k.Models)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE auth_keys SET name=?, status=?, allow_all=?, models=?, expires_at=?, updated_at=?
		 WHERE id=? AND deleted_at IS NULL`,
		k.Name, boolToInt(k.Enabled), boolToInt(k.AllowAll), models,
		timeToStr(k.ExpiresAt), strFromTime(k.UpdatedAt), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "auth key")
}

// DeleteAuthKey soft-deletes a key.
func (s *Store) DeleteAuthKey(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE auth_keys SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		strFromTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "auth key")
}

// TouchAuthKey atomically increments usage_count and stamps last_used_at.
// Best effort: a missing row is not an error.
func (s *Store) TouchAuthKey(ctx context.Context, id int64, at time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE auth_keys SET usage_count=usage_count+1, last_used_at=? WHERE id=? AND deleted_at IS NULL`,
		strFromTime(at), id)
	return err
}

func scanAuthKey(s scanner) (*gateway.AuthKey, error) {
	var k gateway.AuthKey
	var status, allowAll int
	var modelsJSON, expiresAt, lastUsedAt, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&k.ID, &k.Name, &k.Key, &status, &allowAll, &modelsJSON,
		&expiresAt, &k.UsageCount, &lastUsedAt, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Enabled = status != 0
	k.AllowAll = allowAll != 0
	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	k.Models = models
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		k.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		k.UpdatedAt = *t
	}
	k.DeletedAt = parseTime(deletedAt)
	return &k, nil
}
