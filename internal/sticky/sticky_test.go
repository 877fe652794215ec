package sticky

import (
	"context"
	"testing"
	"time"

	"github.com/heimdallgw/heimdall/internal/cache"
)

func newLocks(t *testing.T, tokenTTL time.Duration) *Locks {
	t.Helper()
	c, err := cache.NewMemory(1000, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return New(c, tokenTTL)
}

func TestAllowIP(t *testing.T) {
	t.Parallel()
	l := newLocks(t, 0)
	ctx := context.Background()

	// Disabled lock admits everyone.
	if !l.AllowIP(ctx, 1, "10.0.0.1", 0) {
		t.Fatal("disabled lock should admit")
	}
	if !l.AllowIP(ctx, 1, "10.0.0.2", 0) {
		t.Fatal("disabled lock should admit any ip")
	}

	// First IP wins the lease; others are refused; the holder re-enters.
	if !l.AllowIP(ctx, 2, "10.0.0.1", 5) {
		t.Fatal("first ip should acquire")
	}
	if l.AllowIP(ctx, 2, "10.0.0.2", 5) {
		t.Error("second ip should be refused")
	}
	if !l.AllowIP(ctx, 2, "10.0.0.1", 5) {
		t.Error("holder should be re-admitted")
	}

	// Locks are per provider.
	if !l.AllowIP(ctx, 3, "10.0.0.2", 5) {
		t.Error("other provider should be free")
	}
}

func TestTokenPin(t *testing.T) {
	t.Parallel()
	l := newLocks(t, time.Minute)
	ctx := context.Background()

	if _, ok := l.PinnedBinding(ctx, 7); ok {
		t.Fatal("no pin expected initially")
	}

	l.PinBinding(ctx, 7, 42)
	id, ok := l.PinnedBinding(ctx, 7)
	if !ok || id != 42 {
		t.Fatalf("pinned = %d/%v, want 42/true", id, ok)
	}

	// A different binding cannot steal a live lease.
	l.PinBinding(ctx, 7, 99)
	id, _ = l.PinnedBinding(ctx, 7)
	if id != 42 {
		t.Errorf("pin after steal attempt = %d, want 42", id)
	}

	// Release frees the token.
	l.Release(ctx, 7)
	if _, ok := l.PinnedBinding(ctx, 7); ok {
		t.Error("pin should be gone after release")
	}
	l.PinBinding(ctx, 7, 99)
	if id, _ := l.PinnedBinding(ctx, 7); id != 99 {
		t.Errorf("re-pin = %d, want 99", id)
	}

	// The admin key (id 0) is never pinned.
	l.PinBinding(ctx, 0, 1)
	if _, ok := l.PinnedBinding(ctx, 0); ok {
		t.Error("admin key should never pin")
	}
}

func TestTokenPinExpiry(t *testing.T) {
	t.Parallel()
	l := newLocks(t, 40*time.Millisecond)
	ctx := context.Background()

	l.PinBinding(ctx, 5, 1)
	time.Sleep(80 * time.Millisecond)
	if _, ok := l.PinnedBinding(ctx, 5); ok {
		t.Error("pin should expire")
	}
	l.PinBinding(ctx, 5, 2)
	if id, _ := l.PinnedBinding(ctx, 5); id != 2 {
		t.Errorf("pin after expiry = %d, want 2", id)
	}
}
