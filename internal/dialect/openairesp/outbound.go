package openairesp

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
	dialectName    = "openai-res"

	maxResponseBody = 32 << 20
)

var _ dialect.Outbound = (*Outbound)(nil)

// Outbound speaks the Responses API protocol to an upstream provider.
type Outbound struct{}

// NewOutbound returns the Responses API outbound adapter.
func NewOutbound() *Outbound { return &Outbound{} }

// Complete sends a non-streaming responses request.
func (o *Outbound) Complete(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
	body, err := requestBody(req, ep, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai-res: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai-res: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("openai-res: read response: %w", err)
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

// Stream sends a streaming responses request.
func (o *Outbound) Stream(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (<-chan gateway.StreamChunk, error) {
	body, err := requestBody(req, ep, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(ep)+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai-res: create request: %w", err)
	}
	applyHeaders(httpReq, ep)

	resp, err := ep.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai-res: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, dialect.ParseAPIError(dialectName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, ep.RawFrames)
	return ch, nil
}

func requestBody(req *gateway.ChatRequest, ep dialect.Endpoint, stream bool) ([]byte, error) {
	if len(ep.Raw) > 0 {
		body, err := dialect.RewriteModel(ep.Raw, ep.Model)
		if err != nil {
			return nil, fmt.Errorf("openai-res: %w", err)
		}
		return body, nil
	}

	outReq := fromCanonical(req)
	outReq.Model = ep.Model
	outReq.Stream = stream
	body, err := json.Marshal(outReq)
	if err != nil {
		return nil, fmt.Errorf("openai-res: marshal request: %w", err)
	}
	return body, nil
}

// readStream reads Responses API SSE events and emits canonical StreamChunks.
// The interesting events are response.created (role), the output_text and
// function_call_arguments deltas, and response.completed (usage + finish).
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, rawFrames bool) {
	defer close(ch)
	defer body.Close()

	var id, model string
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		event, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		r := gjson.Parse(data)
		var chunks []gateway.StreamChunk
		done := false

		switch currentEvent {
		case "response.created":
			id = r.Get("response.id").String()
			model = r.Get("response.model").String()
			chunks = []gateway.StreamChunk{{Data: dialect.DeltaChunk(id, model, map[string]any{"role": "assistant"}, "")}}
		case "response.output_text.delta":
			text := r.Get("delta").String()
			chunks = []gateway.StreamChunk{{Data: dialect.DeltaChunk(id, model, map[string]any{"content": text}, "")}}
		case "response.function_call_arguments.delta":
			idx := int(r.Get("output_index").Int())
			chunks = []gateway.StreamChunk{{Data: dialect.ToolCallDeltaChunk(id, model, idx, r.Get("delta").String())}}
		case "response.completed":
			usage := parseUsage(r.Get("response.usage"))
			chunks = []gateway.StreamChunk{
				{Data: dialect.FinishChunk(id, model, "stop")},
				{Data: dialect.UsageChunk(id, model, usage), Usage: usage},
			}
			done = true
		case "response.failed", "error":
			msg := r.Get("response.error.message").String()
			if msg == "" {
				msg = r.Get("message").String()
			}
			ch <- gateway.StreamChunk{Err: fmt.Errorf("openai-res: upstream error: %s", msg)}
			return
		}

		if rawFrames {
			out := gateway.StreamChunk{Raw: sseutil.EventFrame(currentEvent, []byte(data))}
			for _, c := range chunks {
				if c.Usage != nil {
					out.Usage = c.Usage
				}
			}
			chunks = []gateway.StreamChunk{out}
		}

		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
		if done {
			ch <- gateway.StreamChunk{Done: true}
			return
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("openai-res: read stream: %w", err)}
	}
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
		r.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
}
