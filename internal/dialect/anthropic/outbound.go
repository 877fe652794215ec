package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	dialectName    = "anthropic"
	defaultVersion = "2023-06-01"

	maxResponseBody = 32 << 20
)

var _ dialect.Outbound = (*Outbound)(nil)

// Outbound speaks the Messages API protocol to an upstream provider.
type Outbound struct{}

// NewOutbound returns the Messages API outbound adapter.
func NewOutbound() *Outbound { return &Outbound{} }

// Complete sends a non-streaming messages request.
func (o *Outbound) Complete(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
	body, err := requestBody(req, ep, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	out, err := parseResponse(respBody)
	if err != nil {
		return nil, err
	}
	if len(ep.Raw) > 0 {
		out.Raw = respBody
	}
	return out, nil
}

// Stream sends a streaming messages request.
func (o *Outbound) Stream(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (<-chan gateway.StreamChunk, error) {
	body, err := requestBody(req, ep, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, ep.RawFrames)
	return ch, nil
}

// CountTokens forwards a raw count_tokens body upstream, rewriting the model
// name, and returns the reported input token count.
func (o *Outbound) CountTokens(ctx context.Context, raw json.RawMessage, ep dialect.Endpoint) (int, error) {
	body, err := dialect.RewriteModel(raw, ep.Model)
	if err != nil {
		return 0, fmt.Errorf("anthropic: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/messages/count_tokens", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("anthropic: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, dialect.ParseAPIError(dialectName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("anthropic: read response: %w", err)
	}
	return int(gjson.GetBytes(respBody, "input_tokens").Int()), nil
}

func requestBody(req *gateway.ChatRequest, ep dialect.Endpoint, stream bool) ([]byte, error) {
	if len(ep.Raw) > 0 {
		body, err := dialect.RewriteModel(ep.Raw, ep.Model)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		return body, nil
	}

	aReq := fromCanonical(req)
	aReq.Model = ep.Model
	aReq.Stream = stream
	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
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
	version := ep.Version
	if version == "" {
		version = defaultVersion
	}
	r.Header.Set("anthropic-version", version)
	if ep.APIKey != "" {
		r.Header.Set("x-api-key", ep.APIKey)
	}
}
