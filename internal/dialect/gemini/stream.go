package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/sseutil"
)

// readStream reads Gemini SSE events and emits canonical StreamChunks.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel -- it is
// EOF-terminated. Each "data:" line contains a full JSON response chunk.
// Usage is cumulative; we track the last seen values and emit them at the end.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string, rawFrames bool) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)

	var lastUsage *gateway.Usage
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)

		text := r.Get("candidates.0.content.parts.0.text").String()
		finishReason := mapStopReason(r.Get("candidates.0.finishReason").String())

		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = parseUsageMetadata(u)
		}

		if rawFrames {
			chunk := gateway.StreamChunk{Raw: sseutil.DataFrame([]byte(data))}
			if u := r.Get("usageMetadata"); u.Exists() {
				chunk.Usage = lastUsage
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
			continue
		}

		if text == "" && finishReason == "" {
			continue
		}
		delta := map[string]any{}
		if text != "" {
			delta["content"] = text
		}
		chunk := dialect.DeltaChunk("gemini-"+model, model, delta, finishReason)
		select {
		case ch <- gateway.StreamChunk{Data: chunk}:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("gemini: read stream: %w", err)}
		return
	}

	// Emit usage at the end for cross-dialect clients; raw relays already
	// carried it on the final frame.
	if lastUsage != nil && !rawFrames {
		usageData := dialect.UsageChunk("gemini-"+model, model, lastUsage)
		ch <- gateway.StreamChunk{Data: usageData, Usage: lastUsage}
	}
	ch <- gateway.StreamChunk{Done: true}
}
