package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GCPOAuthTransport injects a Google OAuth2 bearer token on every outbound
// request. Providers configured with auth "gcp_oauth" (Vertex-hosted
// Gemini endpoints) get this transport instead of a static API key; the
// token source caches and refreshes tokens as they expire.
type GCPOAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPOAuthTransport builds the transport from Application Default
// Credentials. It fails fast when no credentials are resolvable, so a
// misconfigured Vertex provider surfaces at client build time rather
// than on the first request.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return newGCPOAuthTransportFromSource(base, creds.TokenSource), nil
}

// newGCPOAuthTransportFromSource accepts an explicit token source; tests
// use it to avoid ADC.
func newGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip clones the request and sets the bearer header on the clone;
// the shared header policy in the dialect layer never forwards inbound
// Authorization values, so this is the only writer of that header.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.base.RoundTrip(r2)
}
