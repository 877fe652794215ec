package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	dialectName    = "gemini"

	maxResponseBody = 32 << 20
)

var _ dialect.Outbound = (*Outbound)(nil)

// Outbound speaks the generateContent protocol to an upstream provider.
// The model is addressed in the URL path; same-dialect bodies relay as-is.
type Outbound struct{}

// NewOutbound returns the generateContent outbound adapter.
func NewOutbound() *Outbound { return &Outbound{} }

// Complete sends a non-streaming generateContent request.
func (o *Outbound) Complete(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
	body, err := requestBody(req, ep)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", baseURL(ep), url.PathEscape(ep.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	out, err := parseResponse(respBody, ep.Model)
	if err != nil {
		return nil, err
	}
	if len(ep.Raw) > 0 {
		out.Raw = respBody
	}
	return out, nil
}

// Stream sends a streaming generateContent request.
func (o *Outbound) Stream(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (<-chan gateway.StreamChunk, error) {
	body, err := requestBody(req, ep)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", baseURL(ep), url.PathEscape(ep.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, ep.Model, ep.RawFrames)
	return ch, nil
}

// requestBody builds the upstream body. Gemini keeps the model in the URL,
// so same-dialect bodies need no rewrite at all.
func requestBody(req *gateway.ChatRequest, ep dialect.Endpoint) ([]byte, error) {
	if len(ep.Raw) > 0 {
		return ep.Raw, nil
	}
	body, err := json.Marshal(fromCanonical(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	return body, nil
}

func baseURL(ep dialect.Endpoint) string {
	if ep.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(ep.BaseURL, "/")
}

func applyHeaders(r *http.Request, ep dialect.Endpoint) {
	for k, vals := range ep.Header {
		r.Header[k] = vals
	}
	r.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		r.Header.Set("x-goog-api-key", ep.APIKey)
	}
}
