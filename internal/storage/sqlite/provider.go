package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

const providerCols = `id, name, type, config, console_url, rpm_limit, ip_lock_minutes, created_at, updated_at, deleted_at`

// CreateProvider inserts a new provider and fills in its assigned ID.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cfg := p.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (name, type, config, console_url, rpm_limit, ip_lock_minutes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, string(p.Type), string(cfg), p.ConsoleURL, p.RPMLimit, p.IPLockMinutes,
		strFromTime(p.CreatedAt), strFromTime(p.UpdatedAt),
	)
	if err != nil {
		return err
	}
	lastInsertID(result, &p.ID)
	return nil
}

// GetProvider retrieves a live provider by ID.
func (s *Store) GetProvider(ctx context.Context, id int64) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id=? AND deleted_at IS NULL`, id)
	return scanProvider(row)
}

// GetProviderByName retrieves a live provider by name.
func (s *Store) GetProviderByName(ctx context.Context, name string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE name=? AND deleted_at IS NULL`, name)
	return scanProvider(row)
}

// ListProviders returns all live providers ordered by id descending.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE deleted_at IS NULL ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a live provider.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	p.UpdatedAt = time.Now().UTC()
	cfg := p.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, type=?, config=?, console_url=?, rpm_limit=?, ip_lock_minutes=?, updated_at=?
		 WHERE id=? AND deleted_at IS NULL`,
		p.Name, string(p.Type), string(cfg), p.ConsoleURL, p.RPMLimit, p.IPLockMinutes,
		strFromTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider soft-deletes a provider by stamping deleted_at.
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		strFromTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(s scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var typ, config, createdAt, updatedAt string
	var deletedAt sql.NullString

	err := s.Scan(&p.ID, &p.Name, &typ, &config, &p.ConsoleURL,
		&p.RPMLimit, &p.IPLockMinutes, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Type = gateway.Dialect(typ)
	p.Config = json.RawMessage(config)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		p.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		p.UpdatedAt = *t
	}
	p.DeletedAt = parseTime(deletedAt)
	return &p, nil
}
