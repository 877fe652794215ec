// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// ProviderStore manages provider persistence. All reads exclude soft-deleted rows.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id int64) (*gateway.Provider, error)
	GetProviderByName(ctx context.Context, name string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	DeleteProvider(ctx context.Context, id int64) error // soft delete
}

// ModelStore manages logical model persistence.
type ModelStore interface {
	CreateModel(ctx context.Context, m *gateway.Model) error
	GetModel(ctx context.Context, id int64) (*gateway.Model, error)
	GetModelByName(ctx context.Context, name string) (*gateway.Model, error)
	ListModels(ctx context.Context, offset, limit int) ([]*gateway.Model, error)
	CountModels(ctx context.Context) (int, error)
	UpdateModel(ctx context.Context, m *gateway.Model) error
	DeleteModel(ctx context.Context, id int64) error
}

// BindingStore manages model-provider bindings.
type BindingStore interface {
	CreateBinding(ctx context.Context, b *gateway.Binding) error
	GetBinding(ctx context.Context, id int64) (*gateway.Binding, error)
	// ListBindingsForModel returns live, admin-enabled bindings for the model
	// whose provider is also live, ordered by id descending.
	ListBindingsForModel(ctx context.Context, modelID int64) ([]*gateway.Binding, error)
	ListBindings(ctx context.Context, offset, limit int) ([]*gateway.Binding, error)
	UpdateBinding(ctx context.Context, b *gateway.Binding) error
	DeleteBinding(ctx context.Context, id int64) error
}

// AuthKeyStore manages API key persistence.
type AuthKeyStore interface {
	CreateAuthKey(ctx context.Context, k *gateway.AuthKey) error
	GetAuthKey(ctx context.Context, id int64) (*gateway.AuthKey, error)
	GetAuthKeyBySecret(ctx context.Context, secret string) (*gateway.AuthKey, error)
	ListAuthKeys(ctx context.Context, offset, limit int) ([]*gateway.AuthKey, error)
	UpdateAuthKey(ctx context.Context, k *gateway.AuthKey) error
	DeleteAuthKey(ctx context.Context, id int64) error
	// TouchAuthKey atomically increments usage_count and stamps last_used_at.
	TouchAuthKey(ctx context.Context, id int64, at time.Time) error
}

// LogStore manages chat log and chat IO persistence.
type LogStore interface {
	InsertChatLogs(ctx context.Context, logs []*gateway.ChatLog) error
	InsertChatIO(ctx context.Context, io *gateway.ChatIO) error
	GetChatIO(ctx context.Context, logID int64) (*gateway.ChatIO, error)
	ListChatLogs(ctx context.Context, offset, limit int) ([]*gateway.ChatLog, error)
	CountChatLogs(ctx context.Context) (int, error)
	// RecentOutcomes returns up to limit (bindingID, success) pairs from the
	// newest chat logs, oldest first, for health store warmup.
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	// CleanupByCount deletes the oldest rows so at most keep remain.
	CleanupByCount(ctx context.Context, keep int64) (deleted int64, err error)
	// CleanupByAge deletes rows older than the cutoff.
	CleanupByAge(ctx context.Context, cutoff time.Time) (deleted int64, err error)
}

// Outcome is a historical dispatch result used to rebuild health state.
type Outcome struct {
	BindingID int64
	Success   bool
	LatencyMs int64
	At        time.Time
}

// SettingStore manages opaque configuration rows.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (*gateway.Setting, error)
	PutSetting(ctx context.Context, s *gateway.Setting) error
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	ModelStore
	BindingStore
	AuthKeyStore
	LogStore
	SettingStore
	Close() error
}
