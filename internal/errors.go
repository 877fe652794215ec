package gateway

import "errors"

// Sentinel errors for the gateway domain. Retryable kinds drive the dispatch
// loop and are never surfaced to clients directly; the rest map to HTTP
// statuses at the transport layer.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrKeyExpired      = errors.New("api key expired")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNoUpstream      = errors.New("no upstream available")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUnsupported     = errors.New("unsupported by binding")
	ErrInternal        = errors.New("internal error")

	// ErrStreamBroken marks a stream that failed after bytes were flushed to
	// the client. It terminates the response with an SSE error event instead
	// of a retry.
	ErrStreamBroken = errors.New("upstream stream broken")
)
