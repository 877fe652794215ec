// Package dispatch runs the retry/failover loop at the heart of the
// gateway: resolve candidates, filter them through the breaker, the RPM
// limiter and the stickiness leases, pick one, emit the upstream call,
// and fail over until the attempts cap or the model deadline is hit.
// Exactly one chat log row is emitted per inbound request.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/health"
	"github.com/heimdallgw/heimdall/internal/ratelimit"
	"github.com/heimdallgw/heimdall/internal/resolve"
	"github.com/heimdallgw/heimdall/internal/selector"
	"github.com/heimdallgw/heimdall/internal/sticky"
	"github.com/heimdallgw/heimdall/internal/telemetry"
)

// DefaultMaxIOBytes caps how much of a request/response body a chat IO
// row may record.
const DefaultMaxIOBytes = 256 << 10

// StreamWriterFactory builds the client-side stream writer for one
// attempt. Passthrough is decided per attempt: it is true only when the
// picked binding speaks the client's dialect. record observes every
// flushed frame when IO logging is on.
type StreamWriterFactory func(passthrough bool, record func([]byte)) dialect.StreamWriter

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Resolver *resolve.Resolver
	Registry *dialect.Registry
	Health   *health.Store
	Limits   *ratelimit.Registry
	Locks    *sticky.Locks
	Selector *selector.Selector
	Clients  *ClientPool
	Sink     Sink
	Logger   *slog.Logger

	// Metrics is optional; nil disables dispatch instrumentation.
	Metrics *telemetry.Metrics

	// MaxIOBytes bounds chat IO recording; 0 selects the default.
	MaxIOBytes int
}

// Dispatcher orchestrates upstream attempts for admitted requests.
type Dispatcher struct {
	resolver *resolve.Resolver
	registry *dialect.Registry
	health   *health.Store
	limits   *ratelimit.Registry
	locks    *sticky.Locks
	selector *selector.Selector
	clients  *ClientPool
	sink     Sink
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	maxIO    int
}

// New creates a dispatcher.
func New(deps Deps) *Dispatcher {
	maxIO := deps.MaxIOBytes
	if maxIO <= 0 {
		maxIO = DefaultMaxIOBytes
	}
	return &Dispatcher{
		resolver: deps.Resolver,
		registry: deps.Registry,
		health:   deps.Health,
		limits:   deps.Limits,
		locks:    deps.Locks,
		selector: deps.Selector,
		clients:  deps.Clients,
		sink:     deps.Sink,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		maxIO:    maxIO,
	}
}

// Complete dispatches a unary chat completion and returns the upstream
// response in canonical form. Raw is set on same-dialect relays.
func (d *Dispatcher) Complete(ctx context.Context, adm *gateway.AdmissionContext, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	rec := newRecorder(adm, req, d.maxIO, false)
	resp, err := d.run(ctx, adm, req, rec, nil)
	d.emit(ctx, rec, err)
	return resp, err
}

// Stream dispatches a streaming chat completion, relaying frames through
// a writer built by factory once a binding is picked. An error returned
// after bytes were flushed wraps ErrStreamBroken and must not produce a
// second response body.
func (d *Dispatcher) Stream(ctx context.Context, adm *gateway.AdmissionContext, req *gateway.ChatRequest, factory StreamWriterFactory) error {
	rec := newRecorder(adm, req, d.maxIO, true)
	_, err := d.run(ctx, adm, req, rec, factory)
	d.emit(ctx, rec, err)
	return err
}

// run executes the attempt loop. A nil factory selects the unary path.
func (d *Dispatcher) run(ctx context.Context, adm *gateway.AdmissionContext, req *gateway.ChatRequest, rec *recorder, factory StreamWriterFactory) (*gateway.ChatResponse, error) {
	model, err := d.resolver.Model(ctx, adm.ModelName)
	if err != nil {
		return nil, err
	}
	rec.model = model

	cands, err := d.resolver.Candidates(ctx, model, adm.Require)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, gateway.ErrNoUpstream
	}

	if model.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(model.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	attemptsCap := model.AttemptsCap()
	tried := make(map[int64]bool)
	rateLimited := make(map[int64]bool) // provider IDs, remembered for this request
	var lastErr error

	for rec.attempts < attemptsCap {
		if ctx.Err() != nil {
			break
		}

		c := d.pickCandidate(ctx, adm, model, cands, tried, rateLimited)
		if c == nil {
			break
		}
		rec.attempts++
		rec.noteCandidate(c)
		d.locks.PinBinding(ctx, adm.AuthKeyID, c.Binding.ID)

		start := time.Now()
		rec.dialAt = start
		resp, err := d.attempt(ctx, adm, model, req, c, rec, factory)
		latency := time.Since(start).Milliseconds()

		if err == nil {
			rec.endAt = time.Now()
			d.health.Record(c.Binding.ID, start, true, latency, "")
			d.countAttempt(adm.ModelName, "success")
			d.observeUpstream(c.Provider.Name, adm.ModelName, latency)
			return resp, nil
		}

		lastErr = err
		tried[c.Binding.ID] = true
		d.locks.Release(ctx, adm.AuthKeyID)
		// A cancelled attempt says nothing about the binding's health.
		if ctx.Err() == nil {
			d.health.Record(c.Binding.ID, start, false, latency, err.Error())
		}
		d.countAttempt(adm.ModelName, "failure")
		d.countUpstreamError(c.Provider.Name, err)
		d.logger.LogAttrs(ctx, slog.LevelWarn, "attempt failed",
			slog.String("model", adm.ModelName),
			slog.Int64("binding_id", c.Binding.ID),
			slog.String("provider", c.Provider.Name),
			slog.Int("attempt", rec.attempts),
			slog.String("error", err.Error()),
		)
		if !retryable(err) {
			break
		}
	}

	rec.endAt = time.Now()
	if lastErr == nil {
		if len(rateLimited) > 0 {
			lastErr = gateway.ErrRateLimited
		} else {
			lastErr = gateway.ErrNoUpstream
		}
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) && !errors.Is(lastErr, gateway.ErrStreamBroken) {
		lastErr = fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, lastErr)
	}
	return nil, lastErr
}

// pickCandidate selects the next binding to try. The first pass prefers
// the token-pinned binding but keeps the breaker and limiter filters on
// it; a rejected pin falls back to the rest of the pool with the soft
// filters intact. The second pass drops the soft filters so an open
// breaker still gets a chance when nothing else remains. The IP lease is
// a hard filter in both passes. Returns nil when every candidate is
// exhausted.
func (d *Dispatcher) pickCandidate(ctx context.Context, adm *gateway.AdmissionContext, model *gateway.Model, cands []*gateway.Candidate, tried, rateLimited map[int64]bool) *gateway.Candidate {
	for _, force := range []bool{false, true} {
		pool := make([]*gateway.Candidate, 0, len(cands))
		for _, c := range cands {
			if tried[c.Binding.ID] {
				continue
			}
			if !d.locks.AllowIP(ctx, c.Provider.ID, adm.RemoteIP, c.Provider.IPLockMinutes) {
				continue
			}
			if !force && rateLimited[c.Provider.ID] {
				continue
			}
			pool = append(pool, c)
		}
		var pinnedID int64
		if !force {
			if pinned, ok := d.locks.PinnedBinding(ctx, adm.AuthKeyID); ok {
				pinnedID = pinned
			}
		}

		for len(pool) > 0 {
			c := findBinding(pool, pinnedID)
			if c == nil {
				c = d.selector.Pick(model, pool)
			}
			if !force && !d.health.Allow(c.Binding.ID, model.Breaker) {
				pool = drop(pool, func(x *gateway.Candidate) bool { return x.Binding.ID == c.Binding.ID })
				continue
			}
			if !d.limits.TryAcquire(c.Provider.ID, c.Provider.RPMLimit) {
				rateLimited[c.Provider.ID] = true
				d.countRateLimitReject(c.Provider.Name)
				pool = drop(pool, func(x *gateway.Candidate) bool { return x.Provider.ID == c.Provider.ID })
				continue
			}
			return c
		}
	}
	return nil
}

// findBinding returns the pool entry with the given binding ID, or nil.
func findBinding(cands []*gateway.Candidate, bindingID int64) *gateway.Candidate {
	if bindingID == 0 {
		return nil
	}
	for _, c := range cands {
		if c.Binding.ID == bindingID {
			return c
		}
	}
	return nil
}

func drop(cands []*gateway.Candidate, match func(*gateway.Candidate) bool) []*gateway.Candidate {
	out := cands[:0]
	for _, c := range cands {
		if !match(c) {
			out = append(out, c)
		}
	}
	return out
}

// attempt emits one upstream call against the picked candidate.
func (d *Dispatcher) attempt(ctx context.Context, adm *gateway.AdmissionContext, model *gateway.Model, req *gateway.ChatRequest, c *gateway.Candidate, rec *recorder, factory StreamWriterFactory) (*gateway.ChatResponse, error) {
	cfg, err := c.Provider.ParseConfig()
	if err != nil {
		return nil, fmt.Errorf("provider %s: parse config: %w", c.Provider.Name, err)
	}
	out, err := d.registry.Outbound(c.Provider.Type)
	if err != nil {
		return nil, err
	}
	client, err := d.clients.For(ctx, c.Provider, cfg)
	if err != nil {
		return nil, err
	}

	ep := dialect.Endpoint{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Version: cfg.Version,
		Model:   c.Binding.ProviderModel,
		Header:  dialect.BuildHeaders(c.Binding, adm.InboundHeader),
		Client:  client,
	}
	if cfg.Auth == authGCPOAuth {
		// The transport chain injects the bearer token.
		ep.APIKey = ""
	}
	if adm.Dialect == c.Provider.Type && len(req.Raw) > 0 {
		ep.Raw = req.Raw
		ep.RawFrames = factory != nil
	}

	if factory == nil {
		resp, err := out.Complete(ctx, req, ep)
		if err != nil {
			return nil, err
		}
		rec.firstAt = time.Now()
		rec.noteResponse(resp, model.IOLog)
		return resp, nil
	}
	return nil, d.streamAttempt(ctx, out, req, ep, model, rec, factory)
}

// streamAttempt relays the upstream stream to the client. An upstream
// error before the first flushed byte is retryable; after it the
// response is committed and the request ends with ErrStreamBroken.
func (d *Dispatcher) streamAttempt(ctx context.Context, out dialect.Outbound, req *gateway.ChatRequest, ep dialect.Endpoint, model *gateway.Model, rec *recorder, factory StreamWriterFactory) error {
	ch, err := out.Stream(ctx, req, ep)
	if err != nil {
		return err
	}

	var record func([]byte)
	if model.IOLog {
		record = rec.recordFrame
	}
	sw := factory(ep.RawFrames, record)

	for chunk := range ch {
		if rec.firstAt.IsZero() {
			rec.firstAt = time.Now()
		}
		if chunk.Err != nil {
			if sw.BytesWritten() > 0 {
				return fmt.Errorf("%w: %v", gateway.ErrStreamBroken, chunk.Err)
			}
			return chunk.Err
		}
		if chunk.Usage != nil {
			rec.usage = chunk.Usage
		}
		if chunk.Done {
			break
		}
		if err := sw.Write(chunk); err != nil {
			return fmt.Errorf("%w: write to client: %v", gateway.ErrStreamBroken, err)
		}
	}

	if err := sw.Finish(); err != nil {
		return fmt.Errorf("%w: finish stream: %v", gateway.ErrStreamBroken, err)
	}
	rec.respBytes = sw.BytesWritten()
	return nil
}

// retryable classifies attempt errors. Upstream 408/429/5xx and transport
// failures fail over to the next candidate; client-caused errors,
// cancellation, and committed streams do not.
func retryable(err error) bool {
	var apiErr *dialect.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode >= 500
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gateway.ErrBadRequest),
		errors.Is(err, gateway.ErrUnsupported),
		errors.Is(err, gateway.ErrStreamBroken):
		return false
	}
	return true
}
