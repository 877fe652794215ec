package sqlite

import (
	"context"
	"encoding/json"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// GetSetting retrieves a setting row by key.
func (s *Store) GetSetting(ctx context.Context, key string) (*gateway.Setting, error) {
	var value string
	err := s.read.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key=?`, key).Scan(&value)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &gateway.Setting{Key: key, Value: json.RawMessage(value)}, nil
}

// PutSetting upserts a setting row.
func (s *Store) PutSetting(ctx context.Context, setting *gateway.Setting) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		setting.Key, string(setting.Value))
	return err
}
