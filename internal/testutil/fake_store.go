// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu        sync.RWMutex
	nextID    int64
	providers map[int64]*gateway.Provider
	models    map[int64]*gateway.Model
	bindings  map[int64]*gateway.Binding
	keys      map[int64]*gateway.AuthKey
	logs      []*gateway.ChatLog
	ios       map[int64]*gateway.ChatIO
	settings  map[string]*gateway.Setting

	// FailWith, when set, is returned by every operation.
	FailWith error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		providers: make(map[int64]*gateway.Provider),
		models:    make(map[int64]*gateway.Model),
		bindings:  make(map[int64]*gateway.Binding),
		keys:      make(map[int64]*gateway.AuthKey),
		ios:       make(map[int64]*gateway.ChatIO),
		settings:  make(map[string]*gateway.Setting),
	}
}

func (s *FakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

// --- ProviderStore ---

func (s *FakeStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.providers[p.ID] = p
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id int64) (*gateway.Provider, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok || p.DeletedAt != nil {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) GetProviderByName(_ context.Context, name string) (*gateway.Provider, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.Name == name && p.DeletedAt == nil {
			return p, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Provider
	for _, p := range s.providers {
		if p.DeletedAt == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.providers[p.ID] = p
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id int64) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok || p.DeletedAt != nil {
		return gateway.ErrNotFound
	}
	now := time.Now()
	p.DeletedAt = &now
	return nil
}

// --- ModelStore ---

func (s *FakeStore) CreateModel(_ context.Context, m *gateway.Model) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.id()
	}
	if m.Strategy == "" {
		m.Strategy = gateway.StrategyLottery
	}
	s.models[m.ID] = m
	return nil
}

func (s *FakeStore) GetModel(_ context.Context, id int64) (*gateway.Model, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok || m.DeletedAt != nil {
		return nil, gateway.ErrNotFound
	}
	return m, nil
}

func (s *FakeStore) GetModelByName(_ context.Context, name string) (*gateway.Model, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.Name == name && m.DeletedAt == nil {
			return m, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListModels(context.Context, int, int) ([]*gateway.Model, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Model
	for _, m := range s.models {
		if m.DeletedAt == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *FakeStore) CountModels(context.Context) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.models {
		if m.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) UpdateModel(_ context.Context, m *gateway.Model) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.models[m.ID] = m
	return nil
}

func (s *FakeStore) DeleteModel(_ context.Context, id int64) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok || m.DeletedAt != nil {
		return gateway.ErrNotFound
	}
	now := time.Now()
	m.DeletedAt = &now
	return nil
}

// --- BindingStore ---

func (s *FakeStore) CreateBinding(_ context.Context, b *gateway.Binding) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.id()
	}
	if b.Weight < 1 {
		b.Weight = 1
	}
	s.bindings[b.ID] = b
	return nil
}

func (s *FakeStore) GetBinding(_ context.Context, id int64) (*gateway.Binding, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	if !ok || b.DeletedAt != nil {
		return nil, gateway.ErrNotFound
	}
	return b, nil
}

func (s *FakeStore) ListBindingsForModel(_ context.Context, modelID int64) ([]*gateway.Binding, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Binding
	for _, b := range s.bindings {
		if b.ModelID != modelID || !b.Enabled || b.DeletedAt != nil {
			continue
		}
		p, ok := s.providers[b.ProviderID]
		if !ok || p.DeletedAt != nil {
			continue
		}
		out = append(out, b)
	}
	// id descending, matching storage order
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ID > out[i].ID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *FakeStore) ListBindings(context.Context, int, int) ([]*gateway.Binding, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Binding
	for _, b := range s.bindings {
		if b.DeletedAt == nil {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateBinding(_ context.Context, b *gateway.Binding) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[b.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.bindings[b.ID] = b
	return nil
}

func (s *FakeStore) DeleteBinding(_ context.Context, id int64) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[id]
	if !ok || b.DeletedAt != nil {
		return gateway.ErrNotFound
	}
	now := time.Now()
	b.DeletedAt = &now
	return nil
}

// --- AuthKeyStore ---

func (s *FakeStore) CreateAuthKey(_ context.Context, k *gateway.AuthKey) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == 0 {
		k.ID = s.id()
	}
	s.keys[k.ID] = k
	return nil
}

func (s *FakeStore) GetAuthKey(_ context.Context, id int64) (*gateway.AuthKey, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *FakeStore) GetAuthKeyBySecret(_ context.Context, secret string) (*gateway.AuthKey, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Key == secret && k.DeletedAt == nil {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListAuthKeys(context.Context, int, int) ([]*gateway.AuthKey, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.AuthKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FakeStore) UpdateAuthKey(_ context.Context, k *gateway.AuthKey) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.keys[k.ID] = k
	return nil
}

func (s *FakeStore) DeleteAuthKey(_ context.Context, id int64) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return gateway.ErrNotFound
	}
	now := time.Now()
	k.DeletedAt = &now
	return nil
}

func (s *FakeStore) TouchAuthKey(_ context.Context, id int64, at time.Time) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.UsageCount++
		k.LastUsedAt = &at
	}
	return nil
}

// --- LogStore ---

func (s *FakeStore) InsertChatLogs(_ context.Context, logs []*gateway.ChatLog) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		if l.ID == 0 {
			l.ID = s.id()
		}
		s.logs = append(s.logs, l)
	}
	return nil
}

func (s *FakeStore) InsertChatIO(_ context.Context, io *gateway.ChatIO) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	s.ios[io.LogID] = io
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetChatIO(_ context.Context, logID int64) (*gateway.ChatIO, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	io, ok := s.ios[logID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return io, nil
}

func (s *FakeStore) ListChatLogs(context.Context, int, int) ([]*gateway.ChatLog, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.ChatLog, len(s.logs))
	copy(out, s.logs)
	return out, nil
}

func (s *FakeStore) CountChatLogs(context.Context) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs), nil
}

func (s *FakeStore) RecentOutcomes(_ context.Context, limit int) ([]storage.Outcome, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Outcome
	start := max(0, len(s.logs)-limit)
	for _, l := range s.logs[start:] {
		if l.BindingID == 0 {
			continue
		}
		out = append(out, storage.Outcome{
			BindingID: l.BindingID,
			Success:   l.Status == gateway.LogSuccess,
			LatencyMs: l.ProxyMs,
			At:        l.CreatedAt,
		})
	}
	return out, nil
}

func (s *FakeStore) CleanupByCount(_ context.Context, keep int64) (int64, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.logs)) <= keep {
		return 0, nil
	}
	deleted := int64(len(s.logs)) - keep
	s.logs = s.logs[deleted:]
	return deleted, nil
}

func (s *FakeStore) CleanupByAge(_ context.Context, cutoff time.Time) (int64, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*gateway.ChatLog
	var deleted int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return deleted, nil
}

// --- SettingStore ---

func (s *FakeStore) GetSetting(_ context.Context, key string) (*gateway.Setting, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return v, nil
}

func (s *FakeStore) PutSetting(_ context.Context, setting *gateway.Setting) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	s.settings[setting.Key] = setting
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }

var _ storage.Store = (*FakeStore)(nil)
