package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
)

// tokenCounter is implemented by outbound adapters that can ask their
// upstream for an input token count. Currently only anthropic does.
type tokenCounter interface {
	CountTokens(ctx context.Context, raw json.RawMessage, ep dialect.Endpoint) (int, error)
}

// CountTokens forwards a raw count_tokens body to the first candidate
// whose provider speaks the anthropic dialect. Returns ok=false when the
// model has no such binding, letting the caller fall back to a local
// estimate.
func (d *Dispatcher) CountTokens(ctx context.Context, adm *gateway.AdmissionContext, raw json.RawMessage) (int, bool, error) {
	model, err := d.resolver.Model(ctx, adm.ModelName)
	if err != nil {
		return 0, false, err
	}
	cands, err := d.resolver.Candidates(ctx, model, gateway.Capabilities{})
	if err != nil {
		return 0, false, err
	}

	for _, c := range cands {
		if c.Provider.Type != gateway.DialectAnthropic {
			continue
		}
		out, err := d.registry.Outbound(c.Provider.Type)
		if err != nil {
			return 0, false, err
		}
		counter, ok := out.(tokenCounter)
		if !ok {
			return 0, false, nil
		}
		cfg, err := c.Provider.ParseConfig()
		if err != nil {
			return 0, false, fmt.Errorf("provider %s: parse config: %w", c.Provider.Name, err)
		}
		client, err := d.clients.For(ctx, c.Provider, cfg)
		if err != nil {
			return 0, false, err
		}
		n, err := counter.CountTokens(ctx, raw, dialect.Endpoint{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Version: cfg.Version,
			Model:   c.Binding.ProviderModel,
			Header:  dialect.BuildHeaders(c.Binding, adm.InboundHeader),
			Client:  client,
		})
		if err != nil {
			return 0, true, err
		}
		return n, true, nil
	}
	return 0, false, nil
}
