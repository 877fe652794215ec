package openai

import (
	"encoding/json"
	"fmt"
	"net/http"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/sseutil"
)

var _ dialect.Inbound = (*Inbound)(nil)

// Inbound accepts chat completions requests from clients. Since this is the
// canonical form, decoding is a direct unmarshal.
type Inbound struct{}

// NewInbound returns the chat completions inbound codec.
func NewInbound() *Inbound { return &Inbound{} }

// DecodeRequest parses a chat completions body into the canonical request.
func (i *Inbound) DecodeRequest(body []byte) (*gateway.ChatRequest, error) {
	var req gateway.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body", gateway.ErrBadRequest)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", gateway.ErrBadRequest)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest)
	}
	req.Raw = body
	return &req, nil
}

// EncodeResponse renders a canonical response. Same-dialect relays return
// the upstream body untouched.
func (i *Inbound) EncodeResponse(resp *gateway.ChatResponse) ([]byte, error) {
	if len(resp.Raw) > 0 {
		return resp.Raw, nil
	}
	return json.Marshal(resp)
}

// NewStreamWriter returns a writer emitting chat completions SSE frames.
func (i *Inbound) NewStreamWriter(w http.ResponseWriter, passthrough bool, record func([]byte)) dialect.StreamWriter {
	return &streamWriter{
		FrameWriter: dialect.NewFrameWriter(w, record),
		passthrough: passthrough,
	}
}

var doneFrame = []byte("data: [DONE]\n\n")

type streamWriter struct {
	*dialect.FrameWriter
	passthrough bool
}

func (s *streamWriter) Write(chunk gateway.StreamChunk) error {
	if s.passthrough {
		if len(chunk.Raw) > 0 {
			return s.WriteFrame(chunk.Raw)
		}
		return nil
	}
	if len(chunk.Data) == 0 {
		return nil
	}
	return s.WriteFrame(sseutil.DataFrame(chunk.Data))
}

func (s *streamWriter) Finish() error {
	return s.WriteFrame(doneFrame)
}
