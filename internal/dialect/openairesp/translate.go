// Package openairesp implements the OpenAI Responses dialect for both
// directions: outbound to a /responses endpoint and inbound from clients
// that speak the Responses protocol.
package openairesp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// responsesRequest is the Responses API request body. Input is either a
// plain string or an array of typed items.
type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Text            json.RawMessage `json:"text,omitempty"`
}

// toCanonical converts a Responses API request body to the canonical form.
func toCanonical(body []byte) (*gateway.ChatRequest, error) {
	var in responsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body", gateway.ErrBadRequest)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("%w: model is required", gateway.ErrBadRequest)
	}
	if len(in.Input) == 0 {
		return nil, fmt.Errorf("%w: input is required", gateway.ErrBadRequest)
	}

	out := &gateway.ChatRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		MaxTokens:   in.MaxOutputTokens,
		Stream:      in.Stream,
		Tools:       toolsToCanonical(in.Tools),
		ToolChoice:  in.ToolChoice,
		Raw:         body,
	}
	if in.Instructions != "" {
		ct, _ := json.Marshal(in.Instructions)
		out.Messages = append(out.Messages, gateway.Message{Role: "system", Content: ct})
	}
	if fmtType := gjson.GetBytes(in.Text, "format.type").String(); strings.HasPrefix(fmtType, "json") {
		out.ResponseFormat = responseFormatToCanonical(in.Text)
	}

	input := gjson.ParseBytes(in.Input)
	if input.Type == gjson.String {
		ct, _ := json.Marshal(input.String())
		out.Messages = append(out.Messages, gateway.Message{Role: "user", Content: ct})
		return out, nil
	}

	input.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "function_call":
			tc, _ := json.Marshal([]map[string]any{{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			}})
			out.Messages = append(out.Messages, gateway.Message{Role: "assistant", ToolCalls: tc})
		case "function_call_output":
			ct, _ := json.Marshal(item.Get("output").String())
			out.Messages = append(out.Messages, gateway.Message{
				Role:       "tool",
				Content:    ct,
				ToolCallID: item.Get("call_id").String(),
			})
		default:
			// Message items, typed or bare {role, content}.
			role := item.Get("role").String()
			if role == "" {
				return true
			}
			ct, _ := json.Marshal(itemText(item.Get("content")))
			out.Messages = append(out.Messages, gateway.Message{Role: role, Content: ct})
		}
		return true
	})
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("%w: input must not be empty", gateway.ErrBadRequest)
	}
	return out, nil
}

// itemText flattens a Responses content field (string or typed part array)
// into plain text.
func itemText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "input_text", "output_text", "text":
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}

// fromCanonical converts a canonical ChatRequest to a Responses API request.
func fromCanonical(req *gateway.ChatRequest) *responsesRequest {
	out := &responsesRequest{
		Model:           req.Model,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		Stream:          req.Stream,
		Tools:           toolsFromCanonical(req.Tools),
	}

	var items []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.Instructions = textContent(m.Content)
		case "tool":
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  textContent(m.Content),
			})
		case "assistant":
			if len(m.ToolCalls) > 0 {
				gjson.ParseBytes(m.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
					items = append(items, map[string]any{
						"type":      "function_call",
						"call_id":   tc.Get("id").String(),
						"name":      tc.Get("function.name").String(),
						"arguments": tc.Get("function.arguments").String(),
					})
					return true
				})
			}
			if text := textContent(m.Content); text != "" {
				items = append(items, map[string]any{
					"type": "message", "role": "assistant",
					"content": []map[string]any{{"type": "output_text", "text": text}},
				})
			}
		default:
			items = append(items, map[string]any{
				"type": "message", "role": m.Role,
				"content": []map[string]any{{"type": "input_text", "text": textContent(m.Content)}},
			})
		}
	}
	out.Input, _ = json.Marshal(items)

	if len(req.ResponseFormat) > 0 {
		out.Text = responseFormatFromCanonical(req.ResponseFormat)
	}
	return out
}

// toolsToCanonical converts flat Responses tool definitions to the nested
// chat completions shape.
func toolsToCanonical(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	var out []map[string]any
	gjson.ParseBytes(tools).ForEach(func(_, t gjson.Result) bool {
		if t.Get("type").String() != "function" {
			return true
		}
		fn := map[string]any{"name": t.Get("name").String()}
		if d := t.Get("description"); d.Exists() {
			fn["description"] = d.String()
		}
		if p := t.Get("parameters"); p.Exists() {
			fn["parameters"] = json.RawMessage(p.Raw)
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
		return true
	})
	if len(out) == 0 {
		return nil
	}
	b, _ := json.Marshal(out)
	return b
}

// toolsFromCanonical converts nested chat completions tools to the flat
// Responses shape.
func toolsFromCanonical(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	var out []map[string]any
	gjson.ParseBytes(tools).ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		if !fn.Exists() {
			return true
		}
		tool := map[string]any{"type": "function", "name": fn.Get("name").String()}
		if d := fn.Get("description"); d.Exists() {
			tool["description"] = d.String()
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool["parameters"] = json.RawMessage(p.Raw)
		}
		out = append(out, tool)
		return true
	})
	if len(out) == 0 {
		return nil
	}
	b, _ := json.Marshal(out)
	return b
}

func responseFormatToCanonical(text json.RawMessage) json.RawMessage {
	format := gjson.GetBytes(text, "format")
	switch format.Get("type").String() {
	case "json_object":
		return json.RawMessage(`{"type":"json_object"}`)
	case "json_schema":
		schema := map[string]any{
			"name":   format.Get("name").String(),
			"schema": json.RawMessage(format.Get("schema").Raw),
		}
		if s := format.Get("strict"); s.Exists() {
			schema["strict"] = s.Bool()
		}
		b, _ := json.Marshal(map[string]any{"type": "json_schema", "json_schema": schema})
		return b
	}
	return nil
}

func responseFormatFromCanonical(rf json.RawMessage) json.RawMessage {
	r := gjson.ParseBytes(rf)
	switch r.Get("type").String() {
	case "json_object":
		return json.RawMessage(`{"format":{"type":"json_object"}}`)
	case "json_schema":
		js := r.Get("json_schema")
		format := map[string]any{
			"type":   "json_schema",
			"name":   js.Get("name").String(),
			"schema": json.RawMessage(js.Get("schema").Raw),
		}
		if s := js.Get("strict"); s.Exists() {
			format["strict"] = s.Bool()
		}
		b, _ := json.Marshal(map[string]any{"format": format})
		return b
	}
	return nil
}

// parseResponse converts a Responses API JSON response to the canonical form.
func parseResponse(data []byte) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	r.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					contentText.WriteString(part.Get("text").String())
				}
				return true
			})
		case "function_call":
			tc, _ := json.Marshal(map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	finish := "stop"
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		finish = "tool_calls"
	}
	if r.Get("incomplete_details.reason").String() == "max_output_tokens" {
		finish = "length"
	}

	var usage *gateway.Usage
	if u := r.Get("usage"); u.Exists() {
		usage = parseUsage(u)
	}

	return &gateway.ChatResponse{
		ID:      r.Get("id").String(),
		Object:  "chat.completion",
		Created: r.Get("created_at").Int(),
		Model:   r.Get("model").String(),
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   usage,
	}, nil
}

func parseUsage(u gjson.Result) *gateway.Usage {
	return &gateway.Usage{
		PromptTokens:     int(u.Get("input_tokens").Int()),
		CompletionTokens: int(u.Get("output_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		CachedTokens:     int(u.Get("input_tokens_details.cached_tokens").Int()),
	}
}

// encodeResponse renders a canonical response as a Responses API response.
func encodeResponse(resp *gateway.ChatResponse) ([]byte, error) {
	var output []map[string]any
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if text := textContent(c.Message.Content); text != "" {
			output = append(output, map[string]any{
				"type":   "message",
				"id":     "msg_" + resp.ID,
				"status": "completed",
				"role":   "assistant",
				"content": []map[string]any{{
					"type": "output_text", "text": text, "annotations": []any{},
				}},
			})
		}
		gjson.ParseBytes(c.Message.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
			output = append(output, map[string]any{
				"type":      "function_call",
				"call_id":   tc.Get("id").String(),
				"name":      tc.Get("function.name").String(),
				"arguments": tc.Get("function.arguments").String(),
				"status":    "completed",
			})
			return true
		})
	}
	if output == nil {
		output = []map[string]any{}
	}

	out := map[string]any{
		"id":         resp.ID,
		"object":     "response",
		"created_at": resp.Created,
		"status":     "completed",
		"model":      resp.Model,
		"output":     output,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
			"total_tokens":  resp.Usage.TotalTokens,
			"input_tokens_details": map[string]any{
				"cached_tokens": resp.Usage.CachedTokens,
			},
		}
	}
	return json.Marshal(out)
}

// textContent extracts plain text from a canonical content field, which may
// be a quoted string or an array of content parts.
func textContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}
