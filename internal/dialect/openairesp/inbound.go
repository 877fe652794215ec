package openairesp

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/sseutil"
)

var _ dialect.Inbound = (*Inbound)(nil)

// Inbound accepts Responses API requests from clients.
type Inbound struct{}

// NewInbound returns the Responses API inbound codec.
func NewInbound() *Inbound { return &Inbound{} }

// DecodeRequest parses a Responses API body into the canonical request.
func (i *Inbound) DecodeRequest(body []byte) (*gateway.ChatRequest, error) {
	return toCanonical(body)
}

// EncodeResponse renders a canonical response as a Responses API response.
// Same-dialect relays return the upstream body untouched.
func (i *Inbound) EncodeResponse(resp *gateway.ChatResponse) ([]byte, error) {
	if len(resp.Raw) > 0 {
		return resp.Raw, nil
	}
	return encodeResponse(resp)
}

// NewStreamWriter returns a writer emitting Responses API SSE events.
func (i *Inbound) NewStreamWriter(w http.ResponseWriter, passthrough bool, record func([]byte)) dialect.StreamWriter {
	return &streamWriter{
		FrameWriter: dialect.NewFrameWriter(w, record),
		passthrough: passthrough,
	}
}

// streamWriter renders canonical chunks as the Responses event sequence:
// response.created, response.output_item.added, response.content_part.added,
// response.output_text.delta*, then the done/completed trailer.
type streamWriter struct {
	*dialect.FrameWriter
	passthrough bool

	started bool
	id      string
	model   string
	text    strings.Builder
	usage   *gateway.Usage
}

func (s *streamWriter) Write(chunk gateway.StreamChunk) error {
	if s.passthrough {
		if len(chunk.Raw) > 0 {
			return s.WriteFrame(chunk.Raw)
		}
		return nil
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	if len(chunk.Data) == 0 {
		return nil
	}

	r := gjson.ParseBytes(chunk.Data)
	if s.id == "" {
		s.id = r.Get("id").String()
	}
	if s.model == "" {
		s.model = r.Get("model").String()
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		if err := s.ensureStarted(); err != nil {
			return err
		}
		s.text.WriteString(text.String())
		return s.event("response.output_text.delta", map[string]any{
			"type":          "response.output_text.delta",
			"item_id":       "msg_" + s.id,
			"output_index":  0,
			"content_index": 0,
			"delta":         text.String(),
		})
	}
	if delta.Get("role").Exists() {
		return s.ensureStarted()
	}
	return nil
}

func (s *streamWriter) Finish() error {
	if err := s.ensureStarted(); err != nil {
		return err
	}
	full := s.text.String()
	if err := s.event("response.output_text.done", map[string]any{
		"type":          "response.output_text.done",
		"item_id":       "msg_" + s.id,
		"output_index":  0,
		"content_index": 0,
		"text":          full,
	}); err != nil {
		return err
	}

	completed := map[string]any{
		"id":     s.id,
		"object": "response",
		"status": "completed",
		"model":  s.model,
		"output": []map[string]any{{
			"type":   "message",
			"id":     "msg_" + s.id,
			"status": "completed",
			"role":   "assistant",
			"content": []map[string]any{{
				"type": "output_text", "text": full, "annotations": []any{},
			}},
		}},
	}
	if s.usage != nil {
		completed["usage"] = map[string]any{
			"input_tokens":  s.usage.PromptTokens,
			"output_tokens": s.usage.CompletionTokens,
			"total_tokens":  s.usage.TotalTokens,
			"input_tokens_details": map[string]any{
				"cached_tokens": s.usage.CachedTokens,
			},
		}
	}
	return s.event("response.completed", map[string]any{
		"type":     "response.completed",
		"response": completed,
	})
}

func (s *streamWriter) ensureStarted() error {
	if s.started {
		return nil
	}
	s.started = true

	if err := s.event("response.created", map[string]any{
		"type": "response.created",
		"response": map[string]any{
			"id":     s.id,
			"object": "response",
			"status": "in_progress",
			"model":  s.model,
			"output": []any{},
		},
	}); err != nil {
		return err
	}
	if err := s.event("response.output_item.added", map[string]any{
		"type":         "response.output_item.added",
		"output_index": 0,
		"item": map[string]any{
			"type": "message", "id": "msg_" + s.id, "status": "in_progress",
			"role": "assistant", "content": []any{},
		},
	}); err != nil {
		return err
	}
	return s.event("response.content_part.added", map[string]any{
		"type":          "response.content_part.added",
		"item_id":       "msg_" + s.id,
		"output_index":  0,
		"content_index": 0,
		"part":          map[string]any{"type": "output_text", "text": "", "annotations": []any{}},
	})
}

func (s *streamWriter) event(name string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.WriteFrame(sseutil.EventFrame(name, b))
}
