// Package auth authenticates inbound requests against the auth_keys table.
// Resolved keys are cached in a W-TinyLFU cache for fast lookups.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// ExtractToken pulls the inbound credential from the request. Each dialect
// sends it in its own header; first non-empty wins.
func ExtractToken(r *http.Request) string {
	if raw := r.Header.Get("Authorization"); raw != "" {
		if tok, ok := strings.CutPrefix(raw, "Bearer "); ok {
			return tok
		}
		return raw
	}
	if tok := r.Header.Get("x-api-key"); tok != "" {
		return tok
	}
	return r.Header.Get("x-goog-api-key")
}

// Authenticator resolves inbound tokens to auth keys.
type Authenticator struct {
	store      storage.AuthKeyStore
	cache      *otter.Cache[string, *gateway.AuthKey]
	keyIDtoKey sync.Map // key ID -> secret, for cache invalidation by ID
}

// New returns an Authenticator backed by store.
func New(store storage.AuthKeyStore) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *gateway.AuthKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.AuthKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Authenticator{store: store, cache: c}, nil
}

// Authenticate resolves the request's token to an enabled, unexpired key.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*gateway.AuthKey, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, gateway.ErrUnauthorized
	}

	now := time.Now()
	if key, ok := a.cache.GetIfPresent(token); ok {
		return checkKey(key, now, func() { a.cache.Invalidate(token) })
	}

	key, err := a.store.GetAuthKeyBySecret(ctx, token)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	a.cache.Set(token, key)
	a.keyIDtoKey.Store(key.ID, token)
	return checkKey(key, now, nil)
}

func checkKey(key *gateway.AuthKey, now time.Time, evict func()) (*gateway.AuthKey, error) {
	if !key.Enabled {
		return nil, gateway.ErrUnauthorized
	}
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		if evict != nil {
			evict()
		}
		return nil, gateway.ErrKeyExpired
	}
	return key, nil
}

// Admit checks the key against the requested model name.
func (a *Authenticator) Admit(key *gateway.AuthKey, model string, now time.Time) error {
	if !key.Authorizes(model, now) {
		if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
			return gateway.ErrKeyExpired
		}
		return gateway.ErrModelNotAllowed
	}
	return nil
}

// Touch records a use of the key asynchronously. Usage accounting must never
// block or fail the request path.
func (a *Authenticator) Touch(ctx context.Context, keyID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchAuthKey(ctx, keyID, time.Now().UTC()) //nolint:errcheck
	}()
}

// InvalidateByKeyID removes a cached key by its ID.
// Used when admin operations (disable, update, delete) modify a key.
func (a *Authenticator) InvalidateByKeyID(keyID int64) {
	if token, ok := a.keyIDtoKey.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(token.(string))
	}
}
