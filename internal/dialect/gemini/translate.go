// Package gemini implements the Google generateContent dialect for both
// directions: outbound to the Gemini API (or a Vertex AI endpoint) and
// inbound from clients that speak the generateContent protocol.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// generateRequest is the Gemini generateContent request body. The model is
// addressed in the URL path, not the body.
type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []tool           `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type tool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

// fromCanonical converts a canonical ChatRequest to a generateContent request.
func fromCanonical(req *gateway.ChatRequest) *generateRequest {
	out := &generateRequest{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	// Tools: extract function declarations from the OpenAI tools format.
	if len(req.Tools) > 0 {
		var openaiTools []struct {
			Function json.RawMessage `json:"function"`
		}
		if json.Unmarshal(req.Tools, &openaiTools) == nil && len(openaiTools) > 0 {
			var decls []json.RawMessage
			for _, t := range openaiTools {
				if t.Function != nil {
					decls = append(decls, t.Function)
				}
			}
			if len(decls) > 0 {
				raw, _ := json.Marshal(decls)
				out.Tools = []tool{{FunctionDeclarations: raw}}
			}
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &content{
				Parts: []part{{Text: extractText(m.Content)}},
			}
		case "user":
			out.Contents = append(out.Contents, content{
				Role:  "user",
				Parts: []part{{Text: extractText(m.Content)}},
			})
		case "assistant":
			out.Contents = append(out.Contents, content{
				Role:  "model",
				Parts: []part{{Text: extractText(m.Content)}},
			})
		case "tool":
			// Tool results map to functionResponse parts.
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": json.RawMessage(m.Content),
			})
			out.Contents = append(out.Contents, content{
				Role:  "user",
				Parts: []part{{FunctionResponse: fr}},
			})
		}
	}

	return out
}

// toCanonical converts a generateContent request body to the canonical form.
// The model name comes from the URL path and is filled in by the caller.
func toCanonical(body []byte) (*gateway.ChatRequest, error) {
	var in generateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body", gateway.ErrBadRequest)
	}
	if len(in.Contents) == 0 {
		return nil, fmt.Errorf("%w: contents must not be empty", gateway.ErrBadRequest)
	}

	out := &gateway.ChatRequest{Raw: body}
	if gc := in.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
	}
	if len(in.Tools) > 0 && len(in.Tools[0].FunctionDeclarations) > 0 {
		var fns []map[string]any
		gjson.ParseBytes(in.Tools[0].FunctionDeclarations).ForEach(func(_, fn gjson.Result) bool {
			fns = append(fns, map[string]any{"type": "function", "function": json.RawMessage(fn.Raw)})
			return true
		})
		if len(fns) > 0 {
			b, _ := json.Marshal(fns)
			out.Tools = b
		}
	}
	if in.SystemInstruction != nil {
		text := partsText(in.SystemInstruction.Parts)
		ct, _ := json.Marshal(text)
		out.Messages = append(out.Messages, gateway.Message{Role: "system", Content: ct})
	}
	for _, c := range in.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		if fr := functionResponsePart(c.Parts); fr != nil {
			out.Messages = append(out.Messages, gateway.Message{
				Role:       "tool",
				Content:    json.RawMessage(gjson.GetBytes(fr, "response").Raw),
				ToolCallID: gjson.GetBytes(fr, "name").String(),
			})
			continue
		}
		ct, _ := json.Marshal(partsText(c.Parts))
		out.Messages = append(out.Messages, gateway.Message{Role: role, Content: ct})
	}
	return out, nil
}

func partsText(parts []part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func functionResponsePart(parts []part) json.RawMessage {
	for _, p := range parts {
		if len(p.FunctionResponse) > 0 {
			return p.FunctionResponse
		}
	}
	return nil
}

// parseResponse converts a generateContent JSON response to the canonical form.
func parseResponse(data []byte, requestModel string) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	stopReason := mapStopReason(r.Get("candidates.0.finishReason").String())

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text"); text.Exists() {
			contentText.WriteString(text.String())
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   fc.Get("name").String(), // Gemini has no separate call IDs
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
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
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = parseUsageMetadata(u)
	}

	return &gateway.ChatResponse{
		ID:      "gemini-" + requestModel,
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

func parseUsageMetadata(u gjson.Result) *gateway.Usage {
	return &gateway.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
		CachedTokens:     int(u.Get("cachedContentTokenCount").Int()),
	}
}

// encodeResponse renders a canonical response as a generateContent response.
func encodeResponse(resp *gateway.ChatResponse) ([]byte, error) {
	var parts []map[string]any
	finish := ""
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		finish = c.FinishReason
		if text := extractText(c.Message.Content); text != "" {
			parts = append(parts, map[string]any{"text": text})
		}
		gjson.ParseBytes(c.Message.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
			args := tc.Get("function.arguments").String()
			var in json.RawMessage
			if json.Valid([]byte(args)) {
				in = json.RawMessage(args)
			} else {
				in = json.RawMessage(`{}`)
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"name": tc.Get("function.name").String(),
					"args": in,
				},
			})
			return true
		})
	}
	if parts == nil {
		parts = []map[string]any{}
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"parts": parts, "role": "model"},
			"finishReason": unmapStopReason(finish),
			"index":        0,
		}},
		"modelVersion": resp.Model,
	}
	if resp.Usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

// mapStopReason converts Gemini finish reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	case "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}

// unmapStopReason converts OpenAI finish reasons back to Gemini finish reasons.
func unmapStopReason(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// extractText extracts a text string from a JSON content field which may be
// a raw string or a structured content array.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	// Try as quoted string first.
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	// Try as array of content parts (OpenAI multimodal format).
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
