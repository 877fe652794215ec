// Package openai implements the OpenAI chat completions dialect, the
// canonical wire form of the gateway.
package openai

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
	"github.com/heimdallgw/heimdall/internal/dialect/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	dialectName    = "openai"

	maxResponseBody = 32 << 20
)

var _ dialect.Outbound = (*Outbound)(nil)

// Outbound speaks the chat completions protocol to an upstream provider.
type Outbound struct{}

// NewOutbound returns the chat completions outbound adapter.
func NewOutbound() *Outbound { return &Outbound{} }

// Complete sends a non-streaming chat completion request.
func (o *Outbound) Complete(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
	body, err := requestBody(req, ep, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	var out gateway.ChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if out.Usage != nil {
		if ct := gjson.GetBytes(respBody, "usage.prompt_tokens_details.cached_tokens"); ct.Exists() {
			out.Usage.CachedTokens = int(ct.Int())
		}
	}
	// Retain the upstream body only for same-dialect relays; the inbound
	// encoder returns it untouched.
	if len(ep.Raw) > 0 {
		out.Raw = respBody
	}
	return &out, nil
}

// Stream sends a streaming chat completion request. Raw SSE data payloads
// are forwarded as-is in StreamChunk.Data; with ep.RawFrames set each chunk
// also carries the verbatim wire frame. The channel is closed after a Done
// sentinel or an error chunk.
func (o *Outbound) Stream(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (<-chan gateway.StreamChunk, error) {
	body, err := requestBody(req, ep, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, ep.RawFrames)
	return ch, nil
}

// requestBody builds the upstream body. Same-dialect requests relay the
// original bytes with only the model name rewritten.
func requestBody(req *gateway.ChatRequest, ep dialect.Endpoint, stream bool) ([]byte, error) {
	if len(ep.Raw) > 0 {
		body, err := dialect.RewriteModel(ep.Raw, ep.Model)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		return body, nil
	}

	outReq := *req
	outReq.Model = ep.Model
	outReq.Stream = stream
	if stream && outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	return body, nil
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, rawFrames bool) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		if rawFrames {
			chunk.Raw = sseutil.DataFrame(chunk.Data)
		}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				if ct := u.Get("prompt_tokens_details.cached_tokens"); ct.Exists() {
					usage.CachedTokens = int(ct.Int())
				}
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("openai: read stream: %w", err)}
	}
}

func baseURL(ep dialect.Endpoint) string {
	if ep.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(ep.BaseURL, "/")
}

// applyHeaders sets the binding's extra headers, then content type and auth.
// Auth wins over everything merged before it. When ep.APIKey is empty the
// credential is expected in the client's transport chain (GCP OAuth).
func applyHeaders(r *http.Request, ep dialect.Endpoint) {
	for k, vals := range ep.Header {
		r.Header[k] = vals
	}
	r.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
}
