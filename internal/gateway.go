// Package gateway defines domain types and interfaces for the Heimdall LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// --- Dialects ---

// Dialect identifies a wire protocol vocabulary.
type Dialect string

const (
	DialectOpenAI          Dialect = "openai"     // OpenAI chat completions
	DialectOpenAIResponses Dialect = "openai-res" // OpenAI responses
	DialectAnthropic       Dialect = "anthropic"  // Anthropic messages
	DialectGemini          Dialect = "gemini"     // Google generateContent
)

// Valid reports whether d is a known dialect.
func (d Dialect) Valid() bool {
	switch d {
	case DialectOpenAI, DialectOpenAIResponses, DialectAnthropic, DialectGemini:
		return true
	}
	return false
}

// --- Capabilities ---

// Capabilities describes what a binding's upstream model can do.
type Capabilities struct {
	ToolCall         bool `json:"tool_call"`
	StructuredOutput bool `json:"structured_output"`
	Image            bool `json:"image"`
}

// Covers reports whether c satisfies every capability required by req.
func (c Capabilities) Covers(req Capabilities) bool {
	if req.ToolCall && !c.ToolCall {
		return false
	}
	if req.StructuredOutput && !c.StructuredOutput {
		return false
	}
	if req.Image && !c.Image {
		return false
	}
	return true
}

// Mask packs the capability flags into a small integer, used in cache keys.
func (c Capabilities) Mask() uint8 {
	var m uint8
	if c.ToolCall {
		m |= 1
	}
	if c.StructuredOutput {
		m |= 2
	}
	if c.Image {
		m |= 4
	}
	return m
}

// --- Persisted entities ---

// ProviderConfig is the parsed form of the opaque per-provider connection
// configuration stored in the config JSON column.
type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Version string `json:"version,omitempty"` // anthropic-version / gemini API version
	Auth    string `json:"auth,omitempty"`    // "", "api_key", "gcp_oauth"
}

// Provider is a concrete upstream endpoint speaking one dialect.
type Provider struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Type          Dialect         `json:"type"`
	Config        json.RawMessage `json:"config"`
	ConsoleURL    string          `json:"console_url,omitempty"`
	RPMLimit      int             `json:"rpm_limit"`       // 0 = unlimited
	IPLockMinutes int             `json:"ip_lock_minutes"` // 0 = no IP stickiness
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
}

// ParseConfig unmarshals the opaque config column.
func (p *Provider) ParseConfig() (ProviderConfig, error) {
	var cfg ProviderConfig
	if len(p.Config) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(p.Config, &cfg)
	return cfg, err
}

// Strategy selects how the dispatcher picks among candidates.
type Strategy string

const (
	StrategyLottery Strategy = "lottery" // weight-proportional random
	StrategyRotor   Strategy = "rotor"   // smooth weighted round-robin
)

// Model is a logical model name exposed to clients.
type Model struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Remark         string     `json:"remark,omitempty"`
	MaxRetry       int        `json:"max_retry"`
	TimeoutSeconds int        `json:"time_out_seconds"` // bounds the whole request, 0 = no cap
	IOLog          bool       `json:"io_log"`
	Strategy       Strategy   `json:"strategy"`
	Breaker        bool       `json:"breaker"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// AttemptsCap returns the maximum dispatch attempts for the model.
func (m *Model) AttemptsCap() int {
	if m.MaxRetry < 1 {
		return 1
	}
	return m.MaxRetry
}

// Binding ties a logical model to a provider and its upstream model name.
type Binding struct {
	ID            int64             `json:"id"`
	ModelID       int64             `json:"model_id"`
	ProviderID    int64             `json:"provider_id"`
	ProviderModel string            `json:"provider_model"`
	Capabilities  Capabilities      `json:"capabilities"`
	WithHeader    bool              `json:"with_header"`
	CustomHeaders map[string]string `json:"customer_headers,omitempty"`
	Enabled       bool              `json:"status"`
	Weight        int               `json:"weight"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	DeletedAt     *time.Time        `json:"deleted_at,omitempty"`
}

// AuthKey is an inbound API credential.
type AuthKey struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"-"` // opaque random string, never exposed after create
	Enabled    bool       `json:"status"`
	AllowAll   bool       `json:"allow_all"`
	Models     []string   `json:"models,omitempty"` // ignored when AllowAll
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Authorizes reports whether the key may call the given model name at now.
func (k *AuthKey) Authorizes(model string, now time.Time) bool {
	if !k.Enabled {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	if k.AllowAll {
		return true
	}
	for _, m := range k.Models {
		if m == model {
			return true
		}
	}
	return false
}

// LogStatus is the terminal state of a dispatched request.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// ChatLog is the per-request accounting row. Exactly one row is written per
// logical inbound request, regardless of how many attempts it took.
type ChatLog struct {
	ID                int64     `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	AuthKeyID         int64     `json:"auth_key_id"` // 0 = admin
	BindingID         int64     `json:"binding_id,omitempty"`
	ModelName         string    `json:"model_name"`
	ProviderName      string    `json:"provider_name"`
	ProviderModel     string    `json:"provider_model"`
	Dialect           Dialect   `json:"dialect"`
	Status            LogStatus `json:"status"`
	UserAgent         string    `json:"user_agent,omitempty"`
	RemoteIP          string    `json:"remote_ip,omitempty"`
	Error             string    `json:"error,omitempty"`
	RetryCount        int       `json:"retry_count"` // attempts - 1
	ProxyMs           int64     `json:"proxy_ms"`
	FirstChunkMs      int64     `json:"first_chunk_ms"`
	ChunkMs           int64     `json:"chunk_ms"`
	TPS               float64   `json:"tps"`
	IORecorded        bool      `json:"io_recorded"`
	ResponseSizeBytes int64     `json:"response_size_bytes"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	CachedTokens      int       `json:"cached_tokens,omitempty"`
}

// ChatIO holds the raw request/response bodies for models with io_log enabled.
// Output is either the unary upstream body or an ordered JSON array of the
// relayed stream frames.
type ChatIO struct {
	LogID  int64           `json:"log_id"`
	Input  []byte          `json:"input"`
	Output json.RawMessage `json:"output"`
}

// Setting is an opaque configuration row consumed by adapters
// (e.g. "anthropic_count_tokens", "embedding_config").
type Setting struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// --- Canonical chat shapes ---
//
// The gateway normalizes every inbound dialect onto the OpenAI chat form.
// Dynamic sub-structures stay as json.RawMessage so unknown fields survive
// the round-trip.

// ChatRequest is the canonical chat completion request.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
	Tools          json.RawMessage `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	User           string          `json:"user,omitempty"`

	// Raw is the original inbound body. When the inbound dialect equals the
	// binding's provider type, the adapter relays Raw with only the model
	// name rewritten so unknown fields are preserved.
	Raw json.RawMessage `json:"-"`
}

// HasTools reports whether the request demands tool calling.
func (r *ChatRequest) HasTools() bool {
	return len(r.Tools) > 0 && string(r.Tools) != "null"
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message is a canonical chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse is the canonical unary response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// Raw is the upstream body as received. Same-dialect relays forward it
	// unmodified.
	Raw json.RawMessage `json:"-"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage holds token accounting parsed from an upstream response or stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// StreamChunk is a single canonical streaming event.
type StreamChunk struct {
	Data  []byte // canonical chat.completion.chunk JSON payload
	Raw   []byte // verbatim upstream frame for same-dialect relays, nil otherwise
	Usage *Usage // non-nil on the chunk carrying final usage
	Done  bool
	Err   error
}

// --- Admission ---

// AdmissionContext is the authenticated, admitted request context handed to
// the dispatcher.
type AdmissionContext struct {
	AuthKeyID int64
	KeyName   string
	ModelName string
	RemoteIP  string
	UserAgent string
	Dialect   Dialect
	Require   Capabilities

	// InboundHeader carries the client's headers for bindings with
	// with_header enabled. Auth and transport headers are stripped at
	// emission time, not here.
	InboundHeader http.Header
}

// Candidate is a binding admitted by the resolver for the current request,
// joined with its live provider.
type Candidate struct {
	Binding  *Binding
	Provider *Provider
	Stats    BindingStats
}

// BindingStats is the health snapshot attached to a candidate.
type BindingStats struct {
	Samples             int
	SuccessRate         float64
	ConsecutiveFailures int
	LastError           string
	Open                bool // breaker open for this binding
}

// --- Context plumbing ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The AuthKey field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	AuthKey   *AuthKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// AuthKeyFromContext extracts the authenticated key from ctx, or nil.
func AuthKeyFromContext(ctx context.Context) *AuthKey {
	if m := metaFromContext(ctx); m != nil {
		return m.AuthKey
	}
	return nil
}

// ContextWithAuthKey stores the key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithAuthKey(ctx context.Context, k *AuthKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.AuthKey = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{AuthKey: k})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
