package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry struct {
	data      []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-memory W-TinyLFU cache backed by otter. Namespace version
// counters live outside the cache so eviction can never roll a version back.
type Memory struct {
	cache *otter.Cache[string, entry]

	mu sync.Mutex // serializes Incr and CompareAndSwap

	nsMu sync.RWMutex
	ns   map[string]uint64
}

// NewMemory creates an in-memory cache with the given max entry count and default TTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c, ns: make(map[string]uint64)}, nil
}

// Get retrieves a value from the cache if present and not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.data, true
}

// Set stores a value with per-entry TTL.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.cache.Set(key, entry{
		data:      val,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete removes a value from the cache.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Purge removes all values from the cache.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}

// GetJSON unmarshals a cached value into v.
func (m *Memory) GetJSON(ctx context.Context, key string, v any) bool {
	data, ok := m.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// SetJSON marshals v and stores it.
func (m *Memory) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	m.Set(ctx, key, data, ttl)
	return nil
}

// NamespaceVersion returns the current version counter for a namespace.
func (m *Memory) NamespaceVersion(_ context.Context, ns string) uint64 {
	m.nsMu.RLock()
	defer m.nsMu.RUnlock()
	return m.ns[ns]
}

// BumpNamespace increments and returns the namespace version.
func (m *Memory) BumpNamespace(_ context.Context, ns string) uint64 {
	m.nsMu.Lock()
	defer m.nsMu.Unlock()
	m.ns[ns]++
	return m.ns[ns]
}

// Incr atomically increments the counter at key, returning the new value.
// The TTL is set when the counter is created and kept on later increments.
func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var n int64
	exp := now.Add(ttl)
	if e, ok := m.cache.GetIfPresent(key); ok && !e.expired(now) {
		n, _ = strconv.ParseInt(string(e.data), 10, 64)
		exp = e.expiresAt
	}
	n++
	m.cache.Set(key, entry{data: []byte(strconv.FormatInt(n, 10)), expiresAt: exp})
	return n
}

// CompareAndSwap stores val at key only if the current value equals old.
// A nil old means the key must be absent or expired.
func (m *Memory) CompareAndSwap(_ context.Context, key string, old, val []byte, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.cache.GetIfPresent(key)
	if ok && e.expired(now) {
		ok = false
	}
	if old == nil {
		if ok {
			return false
		}
	} else {
		if !ok || !bytes.Equal(e.data, old) {
			return false
		}
	}
	m.cache.Set(key, entry{data: val, expiresAt: now.Add(ttl)})
	return true
}
