package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/cloudauth"
)

// authGCPOAuth marks a provider whose credentials come from Google ADC
// instead of a static API key (Vertex-hosted Gemini).
const authGCPOAuth = "gcp_oauth"

// gcpScope is the OAuth2 scope requested for Vertex upstreams.
const gcpScope = "https://www.googleapis.com/auth/cloud-platform"

// ClientPool caches one *http.Client per provider on top of a shared
// transport. Clients are rebuilt when the provider row changes, so auth
// mode edits take effect without a restart.
type ClientPool struct {
	mu      sync.Mutex
	base    http.RoundTripper
	clients map[int64]pooledClient
}

type pooledClient struct {
	client *http.Client
	stamp  time.Time // provider UpdatedAt at build time
}

// NewClientPool creates a pool over the shared base transport.
func NewClientPool(base http.RoundTripper) *ClientPool {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ClientPool{base: base, clients: make(map[int64]pooledClient)}
}

// For returns the client for the provider, building it on first use or
// after a provider update. Two racing builders may both construct a
// client; the last one wins, which is harmless.
func (p *ClientPool) For(ctx context.Context, prov *gateway.Provider, cfg gateway.ProviderConfig) (*http.Client, error) {
	p.mu.Lock()
	pc, ok := p.clients[prov.ID]
	p.mu.Unlock()
	if ok && pc.stamp.Equal(prov.UpdatedAt) {
		return pc.client, nil
	}

	rt := p.base
	if cfg.Auth == authGCPOAuth {
		t, err := cloudauth.NewGCPOAuthTransport(ctx, rt, gcpScope)
		if err != nil {
			return nil, err
		}
		rt = t
	}
	// No Client.Timeout: streams outlive any fixed budget, the request
	// context bounds each call instead.
	client := &http.Client{Transport: rt}

	p.mu.Lock()
	p.clients[prov.ID] = pooledClient{client: client, stamp: prov.UpdatedAt}
	p.mu.Unlock()
	return client, nil
}
