package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/auth"
	"github.com/heimdallgw/heimdall/internal/cache"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/anthropic"
	"github.com/heimdallgw/heimdall/internal/dialect/gemini"
	"github.com/heimdallgw/heimdall/internal/dialect/openai"
	"github.com/heimdallgw/heimdall/internal/dispatch"
	"github.com/heimdallgw/heimdall/internal/health"
	"github.com/heimdallgw/heimdall/internal/ratelimit"
	"github.com/heimdallgw/heimdall/internal/resolve"
	"github.com/heimdallgw/heimdall/internal/selector"
	"github.com/heimdallgw/heimdall/internal/sticky"
	"github.com/heimdallgw/heimdall/internal/storage"
	"github.com/heimdallgw/heimdall/internal/testutil"
	"github.com/heimdallgw/heimdall/internal/tokencount"
)

const testAdminKey = "hk-admin-test"

type nopSink struct{}

func (nopSink) Enqueue(*gateway.ChatLog, *gateway.ChatIO) {}

type fakeOutbound struct {
	mu       sync.Mutex
	calls    int
	complete func(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error)
	stream   func(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (<-chan gateway.StreamChunk, error)
}

func (f *fakeOutbound) Complete(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.complete(ctx, req, ep)
}

func (f *fakeOutbound) Stream(ctx context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (<-chan gateway.StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.stream(ctx, req, ep)
}

type tenv struct {
	store   *testutil.FakeStore
	handler http.Handler
}

// newServer wires the full handler over in-memory fakes, with out
// registered as the openai outbound adapter.
func newServer(t *testing.T, out *fakeOutbound) *tenv {
	t.Helper()
	store := testutil.NewFakeStore()
	return &tenv{store: store, handler: newHandler(t, store, out)}
}

// newHandler builds the handler over an arbitrary store implementation.
func newHandler(t *testing.T, store storage.Store, out *fakeOutbound) http.Handler {
	t.Helper()
	mem, err := cache.NewMemory(1024, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	h := health.NewStore(health.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := dialect.NewRegistry()
	reg.RegisterInbound(gateway.DialectOpenAI, openai.NewInbound())
	reg.RegisterInbound(gateway.DialectAnthropic, anthropic.NewInbound())
	reg.RegisterInbound(gateway.DialectGemini, gemini.NewInbound())
	if out != nil {
		reg.RegisterOutbound(gateway.DialectOpenAI, out)
	}

	res := resolve.New(store, mem, h, logger)
	authn, err := auth.New(store)
	if err != nil {
		t.Fatal(err)
	}
	disp := dispatch.New(dispatch.Deps{
		Resolver: res,
		Registry: reg,
		Health:   h,
		Limits:   ratelimit.NewRegistry(),
		Locks:    sticky.New(mem, 0),
		Selector: selector.New(),
		Clients:  dispatch.NewClientPool(nil),
		Sink:     nopSink{},
		Logger:   logger,
	})

	return New(Deps{
		Auth:       authn,
		Dispatcher: disp,
		Registry:   reg,
		Resolver:   res,
		Store:      store,
		Counter:    tokencount.NewCounter(),
		AdminKey:   testAdminKey,
	})
}

func (e *tenv) seedModel(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	m := &gateway.Model{Name: name, MaxRetry: 3}
	if err := e.store.CreateModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	p := &gateway.Provider{
		Name:      "prov-" + name,
		Type:      gateway.DialectOpenAI,
		Config:    json.RawMessage(`{"base_url":"http://upstream.test","api_key":"k"}`),
		UpdatedAt: time.Now(),
	}
	if err := e.store.CreateProvider(ctx, p); err != nil {
		t.Fatal(err)
	}
	b := &gateway.Binding{
		ModelID:       m.ID,
		ProviderID:    p.ID,
		ProviderModel: "upstream-" + name,
		Enabled:       true,
		Weight:        1,
	}
	if err := e.store.CreateBinding(ctx, b); err != nil {
		t.Fatal(err)
	}
}

func (e *tenv) seedKey(t *testing.T, secret string, allowAll bool, models ...string) {
	t.Helper()
	k := &gateway.AuthKey{Name: "test", Key: secret, Enabled: true, AllowAll: allowAll, Models: models}
	if err := e.store.CreateAuthKey(context.Background(), k); err != nil {
		t.Fatal(err)
	}
}

func (e *tenv) do(method, path, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "203.0.113.7:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func okResponse(model string) *gateway.ChatResponse {
	return &gateway.ChatResponse{
		ID:    "chatcmpl-1",
		Model: model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: json.RawMessage(`"Hi"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}

func TestReadyzNotReady(t *testing.T) {
	t.Parallel()

	failing := New(Deps{ReadyCheck: func(context.Context) error { return context.DeadlineExceeded }})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	failing.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", w.Code)
	}
}

func TestChatCompletionsUnauthorized(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodPost, "/v1/chat/completions", "", `{"model":"fast","messages":[]}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestChatCompletionsModelNotAllowed(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)
	e.seedKey(t, "sk-narrow", false, "other-model")

	w := e.do(http.MethodPost, "/v1/chat/completions", "sk-narrow",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "fast") {
		t.Errorf("error should name the disallowed model: %s", w.Body.String())
	}
}

func TestChatCompletionsSuccess(t *testing.T) {
	t.Parallel()
	out := &fakeOutbound{
		complete: func(_ context.Context, _ *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
			return okResponse(ep.Model), nil
		},
	}
	e := newServer(t, out)
	e.seedModel(t, "fast")
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodPost, "/v1/chat/completions", "sk-all",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "chatcmpl-1" || len(resp.Choices) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	t.Parallel()
	out := &fakeOutbound{
		stream: func(_ context.Context, _ *gateway.ChatRequest, ep dialect.Endpoint) (<-chan gateway.StreamChunk, error) {
			ch := make(chan gateway.StreamChunk, 3)
			payload := `{"id":"c1","object":"chat.completion.chunk","model":"` + ep.Model + `","choices":[{"index":0,"delta":{"content":"Hi"}}]}`
			ch <- gateway.StreamChunk{
				Data: []byte(payload),
				Raw:  []byte("data: " + payload + "\n\n"),
			}
			ch <- gateway.StreamChunk{Done: true, Usage: &gateway.Usage{CompletionTokens: 1}}
			close(ch)
			return ch, nil
		},
	}
	e := newServer(t, out)
	e.seedModel(t, "fast")
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodPost, "/v1/chat/completions", "sk-all",
		`{"model":"fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "data: ") || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("not an SSE stream: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestChatCompletionsNoUpstream(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)
	e.seedKey(t, "sk-all", true)
	if err := e.store.CreateModel(context.Background(), &gateway.Model{Name: "orphan"}); err != nil {
		t.Fatal(err)
	}

	w := e.do(http.MethodPost, "/v1/chat/completions", "sk-all",
		`{"model":"orphan","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
}

func TestGeminiUnknownAction(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodPost, "/v1beta/models/gemini-pro:makeCoffee", "sk-all", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGeminiModelFromPath(t *testing.T) {
	t.Parallel()
	var gotModel string
	out := &fakeOutbound{
		complete: func(_ context.Context, req *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
			gotModel = req.Model
			return okResponse(ep.Model), nil
		},
	}
	e := newServer(t, out)
	e.seedModel(t, "gem-fast")
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodPost, "/v1beta/models/gem-fast:generateContent", "sk-all",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if gotModel != "gem-fast" {
		t.Errorf("model = %q, want gem-fast (from URL path)", gotModel)
	}
}

func TestCountTokensLocalFallback(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)
	e.seedModel(t, "claude-fast") // binding is openai, so no upstream counter
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodPost, "/v1/messages/count_tokens", "sk-all",
		`{"model":"claude-fast","messages":[{"role":"user","content":"hello there"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.InputTokens < 1 {
		t.Errorf("input_tokens = %d, want >= 1", resp.InputTokens)
	}
}

func TestListModelsFiltersByAllowlist(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)
	e.seedModel(t, "fast")
	e.seedModel(t, "smart")
	e.seedKey(t, "sk-narrow", false, "fast")

	w := e.do(http.MethodGet, "/v1/models", "sk-narrow", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "fast" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGeminiListModels(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)
	e.seedModel(t, "gem-fast")
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodGet, "/v1beta/models", "sk-all", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"models/gem-fast"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// touchTrackingStore stamps when usage accounting lands so its ordering
// against the dispatch path can be asserted.
type touchTrackingStore struct {
	*testutil.FakeStore
	mu        sync.Mutex
	touchedAt time.Time
	touched   chan struct{}
}

func (s *touchTrackingStore) TouchAuthKey(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	if s.touchedAt.IsZero() {
		s.touchedAt = time.Now()
		close(s.touched)
	}
	s.mu.Unlock()
	return s.FakeStore.TouchAuthKey(ctx, id, at)
}

func TestUsageTouchAfterDispatch(t *testing.T) {
	t.Parallel()

	ts := &touchTrackingStore{FakeStore: testutil.NewFakeStore(), touched: make(chan struct{})}
	var completedAt time.Time
	out := &fakeOutbound{
		complete: func(_ context.Context, _ *gateway.ChatRequest, ep dialect.Endpoint) (*gateway.ChatResponse, error) {
			completedAt = time.Now()
			return okResponse(ep.Model), nil
		},
	}
	e := &tenv{store: ts.FakeStore, handler: newHandler(t, ts, out)}
	e.seedModel(t, "fast")
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodPost, "/v1/chat/completions", "sk-all",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	select {
	case <-ts.touched:
	case <-time.After(2 * time.Second):
		t.Fatal("usage touch never reached the store")
	}
	ts.mu.Lock()
	touchedAt := ts.touchedAt
	ts.mu.Unlock()
	if touchedAt.Before(completedAt) {
		t.Errorf("usage touched at %v, before dispatch completed at %v", touchedAt, completedAt)
	}
}

func TestUpstreamErrorBodyMirrored(t *testing.T) {
	t.Parallel()
	upstream := `{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`
	out := &fakeOutbound{
		complete: func(context.Context, *gateway.ChatRequest, dialect.Endpoint) (*gateway.ChatResponse, error) {
			return nil, &dialect.APIError{Provider: "openai", StatusCode: http.StatusBadRequest, Body: upstream}
		},
	}
	e := newServer(t, out)
	e.seedModel(t, "fast")
	e.seedKey(t, "sk-all", true)

	w := e.do(http.MethodPost, "/v1/chat/completions", "sk-all",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want the upstream 400", w.Code)
	}
	if w.Body.String() != upstream {
		t.Errorf("body = %q, want the upstream body verbatim", w.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	e := newServer(t, nil)

	w := e.do(http.MethodGet, "/healthz", "", "")
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}
