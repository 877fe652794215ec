// Package cache provides the shared in-memory cache for hot lookups,
// candidate sets, and stickiness locks.
package cache

import (
	"context"
	"time"
)

// Cache is the gateway's cache contract. Implementations must make
// CompareAndSwap and Incr atomic with respect to each other.
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete removes a cached value.
	Delete(ctx context.Context, key string)
	// Purge removes all cached values. Namespace versions survive.
	Purge(ctx context.Context)

	// GetJSON unmarshals a cached value into v, reporting whether it was found.
	GetJSON(ctx context.Context, key string, v any) bool
	// SetJSON marshals v and stores it with the given TTL.
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error

	// NamespaceVersion returns the current version counter for a namespace.
	// Readers fold the version into their keys so a bump invalidates the
	// whole namespace without scanning.
	NamespaceVersion(ctx context.Context, ns string) uint64
	// BumpNamespace increments and returns the namespace version.
	BumpNamespace(ctx context.Context, ns string) uint64

	// Incr atomically increments the counter at key, setting ttl when the
	// counter is created, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) int64
	// CompareAndSwap stores val at key with the given TTL only if the
	// current value equals old. A nil old means the key must be absent.
	// Reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) bool
}
