package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
)

func endpoint(baseURL, model string) dialect.Endpoint {
	return dialect.Endpoint{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   model,
		Client:  &http.Client{},
	}
}

func TestFromCanonical(t *testing.T) {
	t.Parallel()

	maxTok := 100
	req := &gateway.ChatRequest{
		Model: "fast",
		Messages: []gateway.Message{
			{Role: "system", Content: json.RawMessage(`"You are helpful."`)},
			{Role: "user", Content: json.RawMessage(`"Hello"`)},
		},
		MaxTokens: &maxTok,
		Tools: json.RawMessage(`[{"type":"function","function":{"name":"get_weather",
			"description":"look up weather","parameters":{"type":"object"}}}]`),
	}

	aReq := fromCanonical(req)
	if aReq.MaxTokens != 100 {
		t.Errorf("max_tokens = %d, want 100", aReq.MaxTokens)
	}
	if len(aReq.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (system extracted)", len(aReq.Messages))
	}
	if aReq.System == nil {
		t.Error("system should be set")
	}
	if aReq.Messages[0].Role != "user" {
		t.Errorf("message role = %q, want user", aReq.Messages[0].Role)
	}
	tools := string(aReq.Tools)
	if !strings.Contains(tools, `"input_schema"`) || !strings.Contains(tools, `"get_weather"`) {
		t.Errorf("tools = %s", tools)
	}
}

func TestToCanonical(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "fast",
		"max_tokens": 256,
		"system": "Be brief.",
		"messages": [{"role":"user","content":"hi"}],
		"tools": [{"name":"get_weather","description":"d","input_schema":{"type":"object"}}],
		"tool_choice": {"type":"any"},
		"stream": true
	}`)

	req, err := toCanonical(body)
	if err != nil {
		t.Fatalf("toCanonical: %v", err)
	}
	if req.Model != "fast" || !req.Stream {
		t.Errorf("req = %+v", req)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 256 {
		t.Errorf("max_tokens = %v", req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if !strings.Contains(string(req.Tools), `"parameters"`) {
		t.Errorf("tools = %s", req.Tools)
	}
	if string(req.ToolChoice) != `"required"` {
		t.Errorf("tool_choice = %s", req.ToolChoice)
	}
	if string(req.Raw) != string(body) {
		t.Error("Raw should hold the original body")
	}

	if _, err := toCanonical([]byte(`{"max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("missing model err = %v, want ErrBadRequest", err)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-6",
		"content": [{"type": "text", "text": "Hello!"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5, "cache_read_input_tokens": 3}
	}`)

	resp, err := parseResponse(data)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if resp.ID != "msg_01" {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 || resp.Usage.CachedTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestEncodeResponse(t *testing.T) {
	t.Parallel()

	got, err := encodeResponse(&gateway.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []gateway.Choice{{
			Message: gateway.Message{
				Role:      "assistant",
				Content:   json.RawMessage(`"Hi there"`),
				ToolCalls: json.RawMessage(`[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{\"x\":1}"}}]`),
			},
			FinishReason: "tool_calls",
		}},
		Usage: &gateway.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(got)
	for _, want := range []string{`"type":"message"`, `"text":"Hi there"`, `"type":"tool_use"`,
		`"stop_reason":"tool_use"`, `"input_tokens":7`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded response missing %s:\n%s", want, s)
		}
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key")
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Error("missing anthropic-version")
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"claude-sonnet-4-6"`) {
			t.Errorf("upstream model not set: %s", body)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-6",
			"content": [{"type": "text", "text": "Hi!"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`)
	}))
	defer srv.Close()

	out := NewOutbound()
	resp, err := out.Complete(context.Background(), &gateway.ChatRequest{
		Model:    "fast",
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}, endpoint(srv.URL, "claude-sonnet-4-6"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.ID != "msg_01" {
		t.Errorf("id = %q, want msg_01", resp.ID)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	sseBody := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-6","usage":{"input_tokens":10}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	out := NewOutbound()
	ch, err := out.Stream(context.Background(), &gateway.ChatRequest{
		Model:    "fast",
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}, endpoint(srv.URL, "claude-sonnet-4-6"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	// Expect: role chunk, 2 text deltas, finish chunk, usage chunk, done.
	if len(chunks) != 6 {
		t.Fatalf("got %d chunks, want 6", len(chunks))
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("last chunk should be Done")
	}
	usageChunk := chunks[len(chunks)-2]
	if usageChunk.Usage == nil || usageChunk.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", usageChunk.Usage)
	}
}

func TestStreamRawFrames(t *testing.T) {
	t.Parallel()

	sseBody := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_01","model":"m","usage":{"input_tokens":4}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	ep := endpoint(srv.URL, "m")
	ep.Raw = json.RawMessage(`{"model":"fast","max_tokens":10,"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	ep.RawFrames = true

	out := NewOutbound()
	ch, err := out.Stream(context.Background(), &gateway.ChatRequest{Model: "fast"}, ep)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	// One verbatim frame per upstream event plus the Done sentinel.
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5", len(chunks))
	}
	if !strings.HasPrefix(string(chunks[0].Raw), "event: message_start\n") {
		t.Errorf("raw frame = %q", chunks[0].Raw)
	}
	stopChunk := chunks[3]
	if stopChunk.Usage == nil || stopChunk.Usage.TotalTokens != 5 {
		t.Errorf("usage on message_stop frame = %+v", stopChunk.Usage)
	}
	if !chunks[4].Done {
		t.Error("last chunk should be Done")
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages/count_tokens") {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"claude-sonnet-4-6"`) {
			t.Errorf("model not rewritten: %s", body)
		}
		fmt.Fprint(w, `{"input_tokens": 42}`)
	}))
	defer srv.Close()

	out := NewOutbound()
	n, err := out.CountTokens(context.Background(),
		json.RawMessage(`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`),
		endpoint(srv.URL, "claude-sonnet-4-6"))
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 42 {
		t.Errorf("input_tokens = %d, want 42", n)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"end_turn", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"stop_sequence", "stop"},
		{"unknown", "unknown"},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStreamWriter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw := NewInbound().NewStreamWriter(rec, false, nil)

	chunks := []gateway.StreamChunk{
		{Data: []byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"}}]}`)},
		{Data: []byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`)},
		{Data: []byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`)},
		{Data: []byte(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
		{Data: []byte(`{"id":"c1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`),
			Usage: &gateway.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}
	for _, c := range chunks {
		if err := sw.Write(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := sw.Finish(); err != nil {
		t.Fatal(err)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"event: message_start\n",
		"event: content_block_start\n",
		`"text":"Hel"`,
		`"text":"lo"`,
		"event: content_block_stop\n",
		`"stop_reason":"end_turn"`,
		`"output_tokens":2`,
		"event: message_stop\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if sw.BytesWritten() != int64(len(body)) {
		t.Errorf("BytesWritten = %d, want %d", sw.BytesWritten(), len(body))
	}
}
