package gemini

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/sseutil"
)

var _ dialect.Inbound = (*Inbound)(nil)

// Inbound accepts generateContent requests from clients. The model name
// travels in the URL path, so DecodeRequest leaves it empty for the server
// to fill in.
type Inbound struct{}

// NewInbound returns the generateContent inbound codec.
func NewInbound() *Inbound { return &Inbound{} }

// DecodeRequest parses a generateContent body into the canonical request.
func (i *Inbound) DecodeRequest(body []byte) (*gateway.ChatRequest, error) {
	return toCanonical(body)
}

// EncodeResponse renders a canonical response as a generateContent response.
// Same-dialect relays return the upstream body untouched.
func (i *Inbound) EncodeResponse(resp *gateway.ChatResponse) ([]byte, error) {
	if len(resp.Raw) > 0 {
		return resp.Raw, nil
	}
	return encodeResponse(resp)
}

// NewStreamWriter returns a writer emitting generateContent SSE frames.
// The Gemini stream is EOF-terminated: no terminal sentinel is written.
func (i *Inbound) NewStreamWriter(w http.ResponseWriter, passthrough bool, record func([]byte)) dialect.StreamWriter {
	return &streamWriter{
		FrameWriter: dialect.NewFrameWriter(w, record),
		passthrough: passthrough,
	}
}

type streamWriter struct {
	*dialect.FrameWriter
	passthrough bool

	model         string
	finishReason  string
	finishEmitted bool
}

func (s *streamWriter) Write(chunk gateway.StreamChunk) error {
	if s.passthrough {
		if len(chunk.Raw) > 0 {
			return s.WriteFrame(chunk.Raw)
		}
		return nil
	}
	if chunk.Usage != nil {
		return s.writeFinal(chunk.Usage)
	}
	if len(chunk.Data) == 0 {
		return nil
	}

	r := gjson.ParseBytes(chunk.Data)
	if s.model == "" {
		s.model = r.Get("model").String()
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String {
		s.finishReason = fr.String()
	}

	text := r.Get("choices.0.delta.content").String()
	if text == "" {
		return nil
	}
	frame := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{"parts": []map[string]any{{"text": text}}, "role": "model"},
			"index":   0,
		}},
	}
	return s.frame(frame)
}

func (s *streamWriter) Finish() error {
	if s.finishEmitted {
		return nil
	}
	return s.writeFinal(nil)
}

// writeFinal emits the terminal frame carrying finishReason and, when
// known, the cumulative usage.
func (s *streamWriter) writeFinal(usage *gateway.Usage) error {
	s.finishEmitted = true
	frame := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"parts": []map[string]any{}, "role": "model"},
			"finishReason": unmapStopReason(s.finishReason),
			"index":        0,
		}},
		"modelVersion": s.model,
	}
	if usage != nil {
		frame["usageMetadata"] = map[string]any{
			"promptTokenCount":     usage.PromptTokens,
			"candidatesTokenCount": usage.CompletionTokens,
			"totalTokenCount":      usage.TotalTokens,
		}
	}
	return s.frame(frame)
}

func (s *streamWriter) frame(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.WriteFrame(sseutil.DataFrame(b))
}
