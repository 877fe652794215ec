package openairesp

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
		APIKey:  "sk-test",
		Model:   model,
		Client:  &http.Client{},
	}
}

func TestToCanonical(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "fast",
		"instructions": "Be brief.",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "Hello"}]},
			{"type": "function_call", "call_id": "call_1", "name": "f", "arguments": "{\"x\":1}"},
			{"type": "function_call_output", "call_id": "call_1", "output": "42"}
		],
		"max_output_tokens": 64,
		"tools": [{"type": "function", "name": "f", "parameters": {"type": "object"}}],
		"stream": true
	}`)

	req, err := toCanonical(body)
	if err != nil {
		t.Fatalf("toCanonical: %v", err)
	}
	if req.Model != "fast" || !req.Stream {
		t.Errorf("req = %+v", req)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 64 {
		t.Errorf("max tokens = %v", req.MaxTokens)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(req.Messages))
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("instructions role = %q", req.Messages[0].Role)
	}
	if req.Messages[2].Role != "assistant" || len(req.Messages[2].ToolCalls) == 0 {
		t.Errorf("function_call item = %+v", req.Messages[2])
	}
	if req.Messages[3].Role != "tool" || req.Messages[3].ToolCallID != "call_1" {
		t.Errorf("function_call_output item = %+v", req.Messages[3])
	}
	if !strings.Contains(string(req.Tools), `"function":{`) {
		t.Errorf("tools not nested: %s", req.Tools)
	}

	// String input shorthand.
	req, err = toCanonical([]byte(`{"model":"fast","input":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", req.Messages)
	}

	if _, err := toCanonical([]byte(`{"input":"hi"}`)); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("missing model err = %v", err)
	}
}

func TestFromCanonical(t *testing.T) {
	t.Parallel()

	mt := 64
	req := &gateway.ChatRequest{
		Model: "fast",
		Messages: []gateway.Message{
			{Role: "system", Content: json.RawMessage(`"Be brief."`)},
			{Role: "user", Content: json.RawMessage(`"Hello"`)},
		},
		MaxTokens: &mt,
		Tools:     json.RawMessage(`[{"type":"function","function":{"name":"f","parameters":{"type":"object"}}}]`),
	}

	out := fromCanonical(req)
	if out.Instructions != "Be brief." {
		t.Errorf("instructions = %q", out.Instructions)
	}
	if out.MaxOutputTokens == nil || *out.MaxOutputTokens != 64 {
		t.Errorf("max_output_tokens = %v", out.MaxOutputTokens)
	}
	input := string(out.Input)
	if !strings.Contains(input, `"input_text"`) || strings.Contains(input, "Be brief.") {
		t.Errorf("input = %s", input)
	}
	if !strings.Contains(string(out.Tools), `"name":"f"`) || strings.Contains(string(out.Tools), `"function":{`) {
		t.Errorf("tools not flattened: %s", out.Tools)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/responses") {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"gpt-4o-upstream"`) {
			t.Errorf("upstream model not set: %s", body)
		}
		fmt.Fprint(w, `{
			"id": "resp_1",
			"object": "response",
			"status": "completed",
			"model": "gpt-4o-upstream",
			"output": [{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hi!"}]}],
			"usage": {"input_tokens": 8, "output_tokens": 2, "total_tokens": 10,
				"input_tokens_details": {"cached_tokens": 5}}
		}`)
	}))
	defer srv.Close()

	out := NewOutbound()
	resp, err := out.Complete(context.Background(), &gateway.ChatRequest{
		Model:    "fast",
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}, endpoint(srv.URL, "gpt-4o-upstream"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.ID != "resp_1" {
		t.Errorf("id = %q", resp.ID)
	}
	if got := string(resp.Choices[0].Message.Content); got != `"Hi!"` {
		t.Errorf("content = %s", got)
	}
	if resp.Usage == nil || resp.Usage.CachedTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	sseBody := "event: response.created\n" +
		`data: {"type":"response.created","response":{"id":"resp_1","model":"gpt-4o"}}` + "\n\n" +
		"event: response.output_text.delta\n" +
		`data: {"type":"response.output_text.delta","delta":"Hel"}` + "\n\n" +
		"event: response.output_text.delta\n" +
		`data: {"type":"response.output_text.delta","delta":"lo"}` + "\n\n" +
		"event: response.completed\n" +
		`data: {"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":3,"output_tokens":2,"total_tokens":5}}}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	out := NewOutbound()
	ch, err := out.Stream(context.Background(), &gateway.ChatRequest{
		Model:    "fast",
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}, endpoint(srv.URL, "gpt-4o"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	// Role chunk, 2 deltas, finish, usage, done.
	if len(chunks) != 6 {
		t.Fatalf("got %d chunks, want 6", len(chunks))
	}
	if !chunks[5].Done {
		t.Error("last chunk should be Done")
	}
	if chunks[4].Usage == nil || chunks[4].Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", chunks[4].Usage)
	}
	if !strings.Contains(string(chunks[1].Data), `"content":"Hel"`) {
		t.Errorf("delta chunk = %s", chunks[1].Data)
	}
}

func TestEncodeResponse(t *testing.T) {
	t.Parallel()

	got, err := encodeResponse(&gateway.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: json.RawMessage(`"Hi"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(got)
	for _, want := range []string{`"object":"response"`, `"output_text"`, `"text":"Hi"`, `"total_tokens":3`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded response missing %s:\n%s", want, s)
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
		{Data: []byte(`{"id":"c1","choices":[]}`),
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
		"event: response.created\n",
		"event: response.output_item.added\n",
		"event: response.content_part.added\n",
		`"delta":"Hel"`,
		`"delta":"lo"`,
		`"text":"Hello"`,
		"event: response.completed\n",
		`"total_tokens":5`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}
