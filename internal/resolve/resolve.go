// Package resolve turns a logical model name into the ordered candidate
// list the dispatcher works through: live enabled bindings joined with
// their providers, filtered by required capabilities, with fresh health
// stats attached.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/cache"
	"github.com/heimdallgw/heimdall/internal/health"
	"github.com/heimdallgw/heimdall/internal/storage"
)

// Namespace is the cache namespace covering resolver results. Any CRUD
// mutation of providers, models, or bindings bumps it.
const Namespace = "bindings"

const cacheTTL = 30 * time.Second

// Store is the slice of storage the resolver needs.
type Store interface {
	GetModelByName(ctx context.Context, name string) (*gateway.Model, error)
	ListBindingsForModel(ctx context.Context, modelID int64) ([]*gateway.Binding, error)
	GetProvider(ctx context.Context, id int64) (*gateway.Provider, error)
}

var _ Store = (storage.Store)(nil)

// Resolver loads and caches candidate sets.
type Resolver struct {
	store  Store
	cache  cache.Cache
	health *health.Store
	logger *slog.Logger
}

// New creates a resolver.
func New(store Store, c cache.Cache, h *health.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, cache: c, health: h, logger: logger}
}

// Model loads a live model by name, with a short version-keyed cache.
func (r *Resolver) Model(ctx context.Context, name string) (*gateway.Model, error) {
	ver := r.cache.NamespaceVersion(ctx, Namespace)
	key := fmt.Sprintf("%s:v%d:model:%s", Namespace, ver, name)

	var cached gateway.Model
	if r.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	m, err := r.store.GetModelByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := r.cache.SetJSON(ctx, key, m, cacheTTL); err != nil {
		r.logger.LogAttrs(ctx, slog.LevelWarn, "cache model", slog.String("error", err.Error()))
	}
	return m, nil
}

// candidateRow is the cacheable part of a candidate. Health stats are
// attached fresh on every resolve.
type candidateRow struct {
	Binding  *gateway.Binding  `json:"binding"`
	Provider *gateway.Provider `json:"provider"`
}

// Candidates returns the candidates for the model that cover the required
// capabilities, in storage order (id descending). An empty list is not an
// error; the dispatcher maps it to ErrNoUpstream.
func (r *Resolver) Candidates(ctx context.Context, model *gateway.Model, require gateway.Capabilities) ([]*gateway.Candidate, error) {
	rows, err := r.loadRows(ctx, model.ID, require)
	if err != nil {
		return nil, err
	}
	cands := make([]*gateway.Candidate, 0, len(rows))
	for _, row := range rows {
		cands = append(cands, &gateway.Candidate{
			Binding:  row.Binding,
			Provider: row.Provider,
			Stats:    r.health.Stats(row.Binding.ID),
		})
	}
	return cands, nil
}

func (r *Resolver) loadRows(ctx context.Context, modelID int64, require gateway.Capabilities) ([]candidateRow, error) {
	ver := r.cache.NamespaceVersion(ctx, Namespace)
	key := fmt.Sprintf("%s:v%d:cands:%d:%d", Namespace, ver, modelID, require.Mask())

	var cached []candidateRow
	if r.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	bindings, err := r.store.ListBindingsForModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	rows := make([]candidateRow, 0, len(bindings))
	providers := make(map[int64]*gateway.Provider, 4)
	for _, b := range bindings {
		if !b.Capabilities.Covers(require) {
			continue
		}
		p, ok := providers[b.ProviderID]
		if !ok {
			p, err = r.store.GetProvider(ctx, b.ProviderID)
			if err != nil {
				if errors.Is(err, gateway.ErrNotFound) {
					continue // provider vanished between queries
				}
				return nil, err
			}
			providers[b.ProviderID] = p
		}
		rows = append(rows, candidateRow{Binding: b, Provider: p})
	}

	if err := r.cache.SetJSON(ctx, key, rows, cacheTTL); err != nil {
		r.logger.LogAttrs(ctx, slog.LevelWarn, "cache candidates", slog.String("error", err.Error()))
	}
	return rows, nil
}

// Invalidate logically drops every cached resolver result. Called after any
// provider, model, or binding mutation.
func (r *Resolver) Invalidate(ctx context.Context) {
	r.cache.BumpNamespace(ctx, Namespace)
}
