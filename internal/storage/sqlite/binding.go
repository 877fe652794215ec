package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

const bindingCols = `id, model_id, provider_id, provider_model, tool_call, structured_output, image,
	 with_header, customer_headers, status, weight, created_at, updated_at, deleted_at`

// CreateBinding inserts a new binding and fills in its assigned ID.
func (s *Store) CreateBinding(ctx context.Context, b *gateway.Binding) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.Weight < 1 {
		b.Weight = 1
	}
	headers, err := marshalJSON(b.CustomHeaders)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO bindings (model_id, provider_id, provider_model, tool_call, structured_output, image,
		 with_header, customer_headers, status, weight, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ModelID, b.ProviderID, b.ProviderModel,
		boolToInt(b.Capabilities.ToolCall), boolToInt(b.Capabilities.StructuredOutput), boolToInt(b.Capabilities.Image),
		boolToInt(b.WithHeader), headers, boolToInt(b.Enabled), b.Weight,
		strFromTime(b.CreatedAt), strFromTime(b.UpdatedAt),
	)
	if err != nil {
		return err
	}
	lastInsertID(result, &b.ID)
	return nil
}

// GetBinding retrieves a live binding by ID.
func (s *Store) GetBinding(ctx context.Context, id int64) (*gateway.Binding, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+bindingCols+` FROM bindings WHERE id=? AND deleted_at IS NULL`, id)
	return scanBinding(row)
}

// ListBindingsForModel returns live, admin-enabled bindings for the model
// whose provider is also live, ordered by id descending.
func (s *Store) ListBindingsForModel(ctx context.Context, modelID int64) ([]*gateway.Binding, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT b.id, b.model_id, b.provider_id, b.provider_model, b.tool_call, b.structured_output, b.image,
		 b.with_header, b.customer_headers, b.status, b.weight, b.created_at, b.updated_at, b.deleted_at
		 FROM bindings b
		 JOIN providers p ON p.id = b.provider_id AND p.deleted_at IS NULL
		 WHERE b.model_id=? AND b.status=1 AND b.deleted_at IS NULL
		 ORDER BY b.id DESC`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBindings(rows)
}

// ListBindings returns live bindings, newest first, paginated.
func (s *Store) ListBindings(ctx context.Context, offset, limit int) ([]*gateway.Binding, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+bindingCols+` FROM bindings WHERE deleted_at IS NULL ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBindings(rows)
}

func collectBindings(rows *sql.Rows) ([]*gateway.Binding, error) {
	var bindings []*gateway.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// UpdateBinding updates a live binding.
func (s *Store) UpdateBinding(ctx context.Context, b *gateway.Binding) error {
	b.UpdatedAt = time.Now().UTC()
	if b.Weight < 1 {
		b.Weight = 1
	}
	headers, err := marshalJSON(b.CustomHeaders)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE bindings SET model_id=?, provider_id=?, provider_model=?, tool_call=?, structured_output=?, image=?,
		 with_header=?, customer_headers=?, status=?, weight=?, updated_at=?
		 WHERE id=? AND deleted_at IS NULL`,
		b.ModelID, b.ProviderID, b.ProviderModel,
		boolToInt(b.Capabilities.ToolCall), boolToInt(b.Capabilities.StructuredOutput), boolToInt(b.Capabilities.Image),
		boolToInt(b.WithHeader), headers, boolToInt(b.Enabled), b.Weight,
		strFromTime(b.UpdatedAt), b.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "binding")
}

// DeleteBinding soft-deletes a binding.
func (s *Store) DeleteBinding(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE bindings SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		strFromTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "binding")
}

func scanBinding(s scanner) (*gateway.Binding, error) {
	var b gateway.Binding
	var toolCall, structured, image, withHeader, status int
	var headersJSON sql.NullString
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := s.Scan(&b.ID, &b.ModelID, &b.ProviderID, &b.ProviderModel,
		&toolCall, &structured, &image, &withHeader, &headersJSON, &status, &b.Weight,
		&createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	b.Capabilities = gateway.Capabilities{
		ToolCall:         toolCall != 0,
		StructuredOutput: structured != 0,
		Image:            image != 0,
	}
	b.WithHeader = withHeader != 0
	b.Enabled = status != 0
	headers, err := unmarshalStringMap(headersJSON)
	if err != nil {
		return nil, err
	}
	b.CustomHeaders = headers
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		b.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		b.UpdatedAt = *t
	}
	b.DeletedAt = parseTime(deletedAt)
	return &b, nil
}
