package dispatch

import (
	"errors"
	"strconv"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
)

// All observation helpers tolerate a nil metrics handle so tests and
// metrics-disabled deployments pay nothing.

func (d *Dispatcher) observeUpstream(provider, model string, latencyMs int64) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamDuration.WithLabelValues(provider, model).Observe(float64(latencyMs) / 1000)
}

func (d *Dispatcher) countAttempt(model, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchAttempts.WithLabelValues(model, outcome).Inc()
}

func (d *Dispatcher) countUpstreamError(provider string, err error) {
	if d.metrics == nil {
		return
	}
	status := "transport"
	var apiErr *dialect.APIError
	if errors.As(err, &apiErr) {
		status = strconv.Itoa(apiErr.StatusCode)
	}
	d.metrics.UpstreamErrors.WithLabelValues(provider, status).Inc()
}

func (d *Dispatcher) countRateLimitReject(provider string) {
	if d.metrics == nil {
		return
	}
	d.metrics.RateLimitRejects.WithLabelValues(provider).Inc()
}

func (d *Dispatcher) countTokens(model string, usage *gateway.Usage) {
	if d.metrics == nil || usage == nil {
		return
	}
	d.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	d.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}
