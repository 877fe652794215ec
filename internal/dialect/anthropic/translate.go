// Package anthropic implements the Anthropic Messages dialect for both
// directions: outbound to the Anthropic API and inbound from clients that
// speak the Messages protocol.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []messagesMsg   `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

type messagesMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// fromCanonical converts a canonical ChatRequest to a Messages API request.
func fromCanonical(req *gateway.ChatRequest) *messagesRequest {
	out := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   4096, // Anthropic requires max_tokens
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Tools:       toolsFromCanonical(req.Tools),
		ToolChoice:  toolChoiceFromCanonical(req.ToolChoice),
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "user", "assistant":
			out.Messages = append(out.Messages, messagesMsg{
				Role:    m.Role,
				Content: m.Content,
			})
		case "tool":
			// Tool results map to user role in the Messages format.
			toolResult := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, messagesMsg{
				Role:    "user",
				Content: json.RawMessage(toolResult),
			})
		}
	}

	return out
}

// toCanonical converts a Messages API request body to the canonical form.
func toCanonical(body []byte) (*gateway.ChatRequest, error) {
	var in messagesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body", gateway.ErrBadRequest)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("%w: model is required", gateway.ErrBadRequest)
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest)
	}

	out := &gateway.ChatRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
		Stop:        in.StopSeqs,
		Tools:       toolsToCanonical(in.Tools),
		ToolChoice:  toolChoiceToCanonical(in.ToolChoice),
		Raw:         body,
	}
	if in.MaxTokens > 0 {
		mt := in.MaxTokens
		out.MaxTokens = &mt
	}
	if len(in.System) > 0 {
		out.Messages = append(out.Messages, gateway.Message{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		out.Messages = append(out.Messages, gateway.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// toolsFromCanonical converts OpenAI tool definitions to Anthropic's shape.
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
		tool := map[string]any{
			"name":         fn.Get("name").String(),
			"input_schema": json.RawMessage(fn.Get("parameters").Raw),
		}
		if d := fn.Get("description"); d.Exists() {
			tool["description"] = d.String()
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

// toolsToCanonical converts Anthropic tool definitions to the OpenAI shape.
func toolsToCanonical(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	var out []map[string]any
	gjson.ParseBytes(tools).ForEach(func(_, t gjson.Result) bool {
		fn := map[string]any{
			"name": t.Get("name").String(),
		}
		if d := t.Get("description"); d.Exists() {
			fn["description"] = d.String()
		}
		if s := t.Get("input_schema"); s.Exists() {
			fn["parameters"] = json.RawMessage(s.Raw)
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

func toolChoiceFromCanonical(choice json.RawMessage) json.RawMessage {
	if len(choice) == 0 {
		return nil
	}
	r := gjson.ParseBytes(choice)
	if r.Type == gjson.String {
		switch r.String() {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`)
		case "required":
			return json.RawMessage(`{"type":"any"}`)
		case "none":
			return nil
		}
		return nil
	}
	if name := r.Get("function.name").String(); name != "" {
		b, _ := json.Marshal(map[string]any{"type": "tool", "name": name})
		return b
	}
	return nil
}

func toolChoiceToCanonical(choice json.RawMessage) json.RawMessage {
	if len(choice) == 0 {
		return nil
	}
	switch gjson.GetBytes(choice, "type").String() {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		name := gjson.GetBytes(choice, "name").String()
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": name},
		})
		return b
	}
	return nil
}

// parseResponse converts a Messages API JSON response to the canonical form.
func parseResponse(data []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := mapStopReason(result.Get("stop_reason").String())

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = &gateway.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("input_tokens").Int()) + int(u.Get("output_tokens").Int()),
			CachedTokens:     int(u.Get("cache_read_input_tokens").Int()),
		}
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// encodeResponse renders a canonical response as a Messages API message.
func encodeResponse(resp *gateway.ChatResponse) ([]byte, error) {
	var content []map[string]any
	var finish string
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		finish = c.FinishReason
		if text := textContent(c.Message.Content); text != "" {
			content = append(content, map[string]any{"type": "text", "text": text})
		}
		gjson.ParseBytes(c.Message.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
			args := tc.Get("function.arguments").String()
			var input json.RawMessage
			if json.Valid([]byte(args)) {
				input = json.RawMessage(args)
			} else {
				input = json.RawMessage(`{}`)
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    tc.Get("id").String(),
				"name":  tc.Get("function.name").String(),
				"input": input,
			})
			return true
		})
	}
	if content == nil {
		content = []map[string]any{}
	}

	out := map[string]any{
		"id":            resp.ID,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       content,
		"stop_reason":   unmapStopReason(finish),
		"stop_sequence": nil,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
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

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

// unmapStopReason converts OpenAI finish reasons back to Anthropic stop reasons.
func unmapStopReason(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return reason
	}
}
