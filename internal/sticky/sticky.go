// Package sticky implements the two stickiness leases consulted during
// dispatch: the per-provider IP lock and the per-token binding pin.
// Both are modeled as compare-and-swap entries with TTL in the shared
// cache and never block.
package sticky

import (
	"context"
	"strconv"
	"time"

	"github.com/heimdallgw/heimdall/internal/cache"
)

// DefaultTokenTTL pins a token to its binding for coherent multi-turn
// behavior across consecutive requests.
const DefaultTokenTTL = 120 * time.Second

// Locks coordinates stickiness leases through the shared cache.
type Locks struct {
	cache    cache.Cache
	tokenTTL time.Duration
}

// New creates the lock coordinator. A non-positive tokenTTL selects the default.
func New(c cache.Cache, tokenTTL time.Duration) *Locks {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Locks{cache: c, tokenTTL: tokenTTL}
}

func ipKey(providerID int64) string {
	return "sticky:ip:" + strconv.FormatInt(providerID, 10)
}

func tokenKey(authKeyID int64) string {
	return "sticky:token:" + strconv.FormatInt(authKeyID, 10)
}

// AllowIP reports whether ip may use the provider, acquiring or refreshing
// the exclusive IP lease as a side effect. A non-positive lockMinutes
// disables IP stickiness for the provider.
func (l *Locks) AllowIP(ctx context.Context, providerID int64, ip string, lockMinutes int) bool {
	if lockMinutes <= 0 || ip == "" {
		return true
	}
	ttl := time.Duration(lockMinutes) * time.Minute
	val := []byte(ip)

	// First IP in wins the lease.
	if l.cache.CompareAndSwap(ctx, ipKey(providerID), nil, val, ttl) {
		return true
	}
	// Held: only the holder passes, and its lease is refreshed.
	return l.cache.CompareAndSwap(ctx, ipKey(providerID), val, val, ttl)
}

// PinnedBinding returns the binding the token is currently pinned to, if a
// lease is live.
func (l *Locks) PinnedBinding(ctx context.Context, authKeyID int64) (int64, bool) {
	if authKeyID == 0 {
		return 0, false
	}
	data, ok := l.cache.Get(ctx, tokenKey(authKeyID))
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// PinBinding acquires or refreshes the token's lease on the binding.
// Best effort: losing the race to another in-flight request is fine, the
// winner's pin stands.
func (l *Locks) PinBinding(ctx context.Context, authKeyID, bindingID int64) {
	if authKeyID == 0 {
		return
	}
	val := []byte(strconv.FormatInt(bindingID, 10))
	if l.cache.CompareAndSwap(ctx, tokenKey(authKeyID), nil, val, l.tokenTTL) {
		return
	}
	l.cache.CompareAndSwap(ctx, tokenKey(authKeyID), val, val, l.tokenTTL)
}

// Release drops the token's lease, used when the pinned binding failed and
// the dispatcher moved on to another candidate.
func (l *Locks) Release(ctx context.Context, authKeyID int64) {
	if authKeyID == 0 {
		return
	}
	l.cache.Delete(ctx, tokenKey(authKeyID))
}
