// Package dialect defines the adapter contract between the gateway's
// canonical chat form and the four supported wire dialects. Outbound
// adapters speak a provider's protocol; inbound adapters speak the
// client's. Cross-dialect requests compose one of each through the
// canonical form; same-dialect requests relay raw bodies and frames
// with only the model name rewritten.
package dialect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// Endpoint carries everything an outbound adapter needs to reach one
// provider binding.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Version string      // anthropic-version or gemini API version path segment
	Model   string      // upstream model name from the binding
	Header  http.Header // extra headers, pre-merged per the header policy
	Client  *http.Client

	// Raw is the verbatim inbound body when the client spoke this
	// provider's dialect; adapters relay it with only the model name
	// rewritten so unknown fields survive.
	Raw json.RawMessage
	// RawFrames asks the stream reader to carry verbatim upstream frames
	// so a same-dialect client gets untouched bytes.
	RawFrames bool
}

// Outbound sends canonical requests to one provider dialect.
type Outbound interface {
	// Complete performs a unary chat completion.
	Complete(ctx context.Context, req *gateway.ChatRequest, ep Endpoint) (*gateway.ChatResponse, error)
	// Stream performs a streaming chat completion. The returned channel is
	// closed after a Done or Err chunk.
	Stream(ctx context.Context, req *gateway.ChatRequest, ep Endpoint) (<-chan gateway.StreamChunk, error)
}

// Inbound translates between one client dialect and the canonical form.
type Inbound interface {
	// DecodeRequest parses a client body into the canonical request,
	// keeping the original bytes in Raw.
	DecodeRequest(body []byte) (*gateway.ChatRequest, error)
	// EncodeResponse renders a canonical response in this dialect.
	EncodeResponse(resp *gateway.ChatResponse) ([]byte, error)
	// NewStreamWriter returns a writer that renders canonical chunks as
	// this dialect's wire frames. With passthrough set, chunks carrying
	// verbatim upstream frames are relayed untouched. record, when
	// non-nil, observes every written frame for IO logging.
	NewStreamWriter(w http.ResponseWriter, passthrough bool, record func([]byte)) StreamWriter
}

// StreamWriter relays a dispatched stream to the client.
type StreamWriter interface {
	// Write renders and flushes one chunk.
	Write(chunk gateway.StreamChunk) error
	// Finish writes the dialect's terminal frames.
	Finish() error
	// BytesWritten reports bytes flushed so far, the commit point for
	// failover decisions.
	BytesWritten() int64
}

// Registry maps dialects to their adapters. Registration happens once at
// startup; lookups are read-only afterwards.
type Registry struct {
	out map[gateway.Dialect]Outbound
	in  map[gateway.Dialect]Inbound
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		out: make(map[gateway.Dialect]Outbound),
		in:  make(map[gateway.Dialect]Inbound),
	}
}

// RegisterOutbound adds an outbound adapter for the dialect.
func (r *Registry) RegisterOutbound(d gateway.Dialect, o Outbound) { r.out[d] = o }

// RegisterInbound adds an inbound adapter for the dialect.
func (r *Registry) RegisterInbound(d gateway.Dialect, i Inbound) { r.in[d] = i }

// Outbound returns the adapter speaking the provider dialect.
func (r *Registry) Outbound(d gateway.Dialect) (Outbound, error) {
	o, ok := r.out[d]
	if !ok {
		return nil, fmt.Errorf("dialect %q: %w", d, gateway.ErrUnsupported)
	}
	return o, nil
}

// Inbound returns the adapter speaking the client dialect.
func (r *Registry) Inbound(d gateway.Dialect) (Inbound, error) {
	i, ok := r.in[d]
	if !ok {
		return nil, fmt.Errorf("dialect %q: %w", d, gateway.ErrUnsupported)
	}
	return i, nil
}

// blockedHeaders are never forwarded upstream, regardless of header policy.
var blockedHeaders = map[string]struct{}{
	"Authorization":     {},
	"X-Api-Key":         {},
	"X-Goog-Api-Key":    {},
	"Api-Key":           {},
	"Content-Length":    {},
	"Host":              {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

// BuildHeaders merges the binding's extra headers per the emission policy:
// inbound pass-through (only with with_header) first, customer headers on
// top. Provider auth is set last by the adapter and always wins.
func BuildHeaders(binding *gateway.Binding, inbound http.Header) http.Header {
	h := http.Header{}
	if binding.WithHeader {
		for key, vals := range inbound {
			if _, blocked := blockedHeaders[http.CanonicalHeaderKey(key)]; blocked {
				continue
			}
			h[http.CanonicalHeaderKey(key)] = vals
		}
	}
	for k, v := range binding.CustomHeaders {
		if _, blocked := blockedHeaders[http.CanonicalHeaderKey(k)]; blocked {
			continue
		}
		h.Set(k, v)
	}
	return h
}

// RewriteModel replaces the top-level model field of a raw JSON body,
// leaving every other field byte-identical.
func RewriteModel(raw json.RawMessage, model string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("rewrite model: %w", err)
	}
	quoted, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	obj["model"] = quoted
	return json.Marshal(obj)
}

// RequiredCapabilities derives what the binding must support from the
// canonical request.
func RequiredCapabilities(req *gateway.ChatRequest) gateway.Capabilities {
	var caps gateway.Capabilities
	caps.ToolCall = req.HasTools()
	if len(req.ResponseFormat) > 0 {
		t := gjson.GetBytes(req.ResponseFormat, "type").String()
		if strings.HasPrefix(t, "json") {
			caps.StructuredOutput = true
		}
	}
	for _, m := range req.Messages {
		if hasImagePart(m.Content) {
			caps.Image = true
			break
		}
	}
	return caps
}

func hasImagePart(content json.RawMessage) bool {
	if len(content) == 0 || content[0] != '[' {
		return false
	}
	found := false
	gjson.ParseBytes(content).ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "image_url", "input_image", "image":
			found = true
			return false
		}
		if part.Get("inline_data").Exists() || part.Get("inlineData").Exists() {
			found = true
			return false
		}
		return true
	})
	return found
}
