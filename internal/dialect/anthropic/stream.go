package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/sseutil"
)

// streamState tracks the state machine for Messages API SSE streaming.
type streamState struct {
	id           string
	model        string
	inputTokens  int
	cachedTokens int
	outputTokens int
	stopReason   string
}

// readStream reads Messages API SSE events and emits canonical StreamChunks.
// With rawFrames set, every event is relayed verbatim for same-dialect
// clients while the state machine still extracts usage and stop reason.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, rawFrames bool) {
	defer close(ch)
	defer body.Close()

	var state streamState
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		event, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		chunks := state.handleEvent(currentEvent, data)
		if rawFrames {
			out := gateway.StreamChunk{Raw: sseutil.EventFrame(currentEvent, []byte(data))}
			done := false
			for _, c := range chunks {
				if c.Usage != nil {
					out.Usage = c.Usage
				}
				if c.Done {
					done = true
				}
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
			if done {
				ch <- gateway.StreamChunk{Done: true}
				return
			}
			currentEvent = ""
			continue
		}

		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
			if c.Done {
				return
			}
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}
	}
}

// handleEvent processes a single SSE event and returns zero or more
// canonical StreamChunks.
func (s *streamState) handleEvent(event, data string) []gateway.StreamChunk {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "message_stop":
		return s.onMessageStop()
	case "ping", "content_block_start", "content_block_stop":
		return nil
	default:
		return nil
	}
}

func (s *streamState) onMessageStart(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	s.id = r.Get("message.id").String()
	s.model = r.Get("message.model").String()
	s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
	s.cachedTokens = int(r.Get("message.usage.cache_read_input_tokens").Int())

	// Emit initial role chunk.
	chunk := dialect.DeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
	return []gateway.StreamChunk{{Data: chunk}}
}

func (s *streamState) onContentBlockDelta(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	deltaType := r.Get("delta.type").String()

	switch deltaType {
	case "text_delta":
		text := r.Get("delta.text").String()
		chunk := dialect.DeltaChunk(s.id, s.model, map[string]any{"content": text}, "")
		return []gateway.StreamChunk{{Data: chunk}}

	case "input_json_delta":
		// Tool call argument delta.
		idx := int(r.Get("index").Int())
		partial := r.Get("delta.partial_json").String()
		chunk := dialect.ToolCallDeltaChunk(s.id, s.model, idx, partial)
		return []gateway.StreamChunk{{Data: chunk}}
	}
	return nil
}

func (s *streamState) onMessageDelta(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	s.outputTokens = int(r.Get("usage.output_tokens").Int())
	s.stopReason = r.Get("delta.stop_reason").String()
	return nil
}

func (s *streamState) onMessageStop() []gateway.StreamChunk {
	finishReason := mapStopReason(s.stopReason)
	finishChunk := dialect.FinishChunk(s.id, s.model, finishReason)

	usage := &gateway.Usage{
		PromptTokens:     s.inputTokens,
		CompletionTokens: s.outputTokens,
		TotalTokens:      s.inputTokens + s.outputTokens,
		CachedTokens:     s.cachedTokens,
	}
	usageChunk := dialect.UsageChunk(s.id, s.model, usage)

	return []gateway.StreamChunk{
		{Data: finishChunk},
		{Data: usageChunk, Usage: usage},
		{Done: true},
	}
}
