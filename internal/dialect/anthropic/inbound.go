package anthropic

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/sseutil"
)

var _ dialect.Inbound = (*Inbound)(nil)

// Inbound accepts Messages API requests from clients.
type Inbound struct{}

// NewInbound returns the Messages API inbound codec.
func NewInbound() *Inbound { return &Inbound{} }

// DecodeRequest parses a Messages API body into the canonical request.
func (i *Inbound) DecodeRequest(body []byte) (*gateway.ChatRequest, error) {
	return toCanonical(body)
}

// EncodeResponse renders a canonical response as a Messages API message.
// Same-dialect relays return the upstream body untouched.
func (i *Inbound) EncodeResponse(resp *gateway.ChatResponse) ([]byte, error) {
	if len(resp.Raw) > 0 {
		return resp.Raw, nil
	}
	return encodeResponse(resp)
}

// NewStreamWriter returns a writer emitting Messages API SSE events.
func (i *Inbound) NewStreamWriter(w http.ResponseWriter, passthrough bool, record func([]byte)) dialect.StreamWriter {
	return &streamWriter{
		FrameWriter: dialect.NewFrameWriter(w, record),
		passthrough: passthrough,
	}
}

// streamWriter renders canonical chunks as the Messages API event sequence:
// message_start, content_block_start, content_block_delta*,
// content_block_stop, message_delta, message_stop.
type streamWriter struct {
	*dialect.FrameWriter
	passthrough bool

	started    bool
	blockOpen  bool
	id         string
	model      string
	stopReason string
	usage      *gateway.Usage
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
	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String {
		s.stopReason = fr.String()
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		if err := s.ensureStarted(); err != nil {
			return err
		}
		return s.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text.String()},
		})
	}
	if args := delta.Get("tool_calls.0.function.arguments"); args.Exists() {
		if err := s.ensureStarted(); err != nil {
			return err
		}
		return s.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": int(delta.Get("tool_calls.0.index").Int()),
			"delta": map[string]any{"type": "input_json_delta", "partial_json": args.String()},
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
	if s.blockOpen {
		if err := s.event("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": 0,
		}); err != nil {
			return err
		}
		s.blockOpen = false
	}

	outputTokens := 0
	if s.usage != nil {
		outputTokens = s.usage.CompletionTokens
	}
	if err := s.event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": unmapStopReason(s.stopReason), "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	return s.event("message_stop", map[string]any{"type": "message_stop"})
}

func (s *streamWriter) ensureStarted() error {
	if s.started {
		return nil
	}
	s.started = true

	inputTokens := 0
	if s.usage != nil {
		inputTokens = s.usage.PromptTokens
	}
	if err := s.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.id,
			"type":          "message",
			"role":          "assistant",
			"model":         s.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}
	s.blockOpen = true
	return s.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func (s *streamWriter) event(name string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.WriteFrame(sseutil.EventFrame(name, b))
}
