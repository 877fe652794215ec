// Package tokencount estimates input token counts with a character-based
// heuristic (~4 chars per token for English). It backs the count_tokens
// endpoint when no live anthropic binding can answer; for billing-grade
// numbers the upstream counter is authoritative.
package tokencount

import (
	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateMessagesBody estimates the input token count of a raw Messages
// API body: system prompt, messages, and tool definitions.
func (c *Counter) EstimateMessagesBody(raw []byte) int {
	total := 0
	r := gjson.ParseBytes(raw)
	if sys := r.Get("system"); sys.Exists() {
		total += estimateTokens(sys.Raw)
	}
	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		total += messageOverhead
		total += estimateTokens(m.Get("role").String())
		total += estimateTokens(m.Get("content").Raw)
		return true
	})
	if tools := r.Get("tools"); tools.Exists() {
		total += estimateTokens(tools.Raw)
	}
	return max(total, 1)
}

// EstimateRequest estimates the total input token count for a canonical
// chat request, accounting for per-message formatting overhead.
func (c *Counter) EstimateRequest(messages []gateway.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		total += estimateTokens(string(m.Content))
		if m.Name != "" {
			total += estimateTokens(m.Name) + 1 // name costs 1 extra token
		}
		if len(m.ToolCalls) > 0 {
			total += estimateTokens(string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += estimateTokens(m.ToolCallID)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// messageOverhead is the per-message token overhead (role markers and
// formatting) observed across GPT-family tokenizers.
const messageOverhead = 4

// estimateTokens uses the ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
