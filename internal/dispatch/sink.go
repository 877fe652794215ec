package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// Sink receives the per-request accounting rows. The worker LogWriter
// implements it with batched inserts; io is nil unless the model has IO
// logging enabled.
type Sink interface {
	Enqueue(log *gateway.ChatLog, io *gateway.ChatIO)
}

// recorder accumulates the facts for the single chat log row a request
// produces: which binding served it, the timing breakdown, token usage,
// and optionally the raw IO.
type recorder struct {
	adm    *gateway.AdmissionContext
	model  *gateway.Model
	cand   *gateway.Candidate
	stream bool
	maxIO  int

	start   time.Time
	dialAt  time.Time // upstream call start of the last attempt
	firstAt time.Time // first byte from the eventually relayed upstream
	endAt   time.Time

	attempts  int
	usage     *gateway.Usage
	respBytes int64

	input      []byte
	output     json.RawMessage // unary upstream body
	frames     [][]byte
	frameBytes int
}

func newRecorder(adm *gateway.AdmissionContext, req *gateway.ChatRequest, maxIO int, stream bool) *recorder {
	return &recorder{
		adm:    adm,
		stream: stream,
		maxIO:  maxIO,
		start:  time.Now(),
		input:  req.Raw,
	}
}

func (r *recorder) noteCandidate(c *gateway.Candidate) { r.cand = c }

// noteResponse captures the unary body for size accounting and IO logging.
func (r *recorder) noteResponse(resp *gateway.ChatResponse, ioLog bool) {
	r.usage = resp.Usage
	body := resp.Raw
	if len(body) == 0 && ioLog {
		body, _ = json.Marshal(resp)
	}
	r.respBytes = int64(len(body))
	if ioLog {
		r.output = body
	}
}

// recordFrame observes one flushed stream frame, capped at maxIO total bytes.
func (r *recorder) recordFrame(frame []byte) {
	if r.frameBytes >= r.maxIO {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.frames = append(r.frames, cp)
	r.frameBytes += len(frame)
}

// emit assembles and enqueues the chat log row, plus the chat IO row for
// models with io_log. Called exactly once per dispatched request.
func (d *Dispatcher) emit(ctx context.Context, rec *recorder, dispatchErr error) {
	if rec.endAt.IsZero() {
		rec.endAt = time.Now()
	}

	log := &gateway.ChatLog{
		CreatedAt:         rec.start,
		AuthKeyID:         rec.adm.AuthKeyID,
		ModelName:         rec.adm.ModelName,
		Dialect:           rec.adm.Dialect,
		UserAgent:         rec.adm.UserAgent,
		RemoteIP:          rec.adm.RemoteIP,
		Status:            gateway.LogSuccess,
		RetryCount:        max(0, rec.attempts-1),
		ResponseSizeBytes: rec.respBytes,
	}
	if dispatchErr != nil {
		log.Status = gateway.LogError
		log.Error = dispatchErr.Error()
	}
	if rec.cand != nil {
		log.BindingID = rec.cand.Binding.ID
		log.ProviderName = rec.cand.Provider.Name
		log.ProviderModel = rec.cand.Binding.ProviderModel
	}
	if rec.usage != nil {
		log.PromptTokens = rec.usage.PromptTokens
		log.CompletionTokens = rec.usage.CompletionTokens
		log.TotalTokens = rec.usage.TotalTokens
		log.CachedTokens = rec.usage.CachedTokens
	}

	if !rec.dialAt.IsZero() {
		log.ProxyMs = rec.dialAt.Sub(rec.start).Milliseconds()
	}
	if !rec.firstAt.IsZero() {
		log.FirstChunkMs = rec.firstAt.Sub(rec.start).Milliseconds()
		log.ChunkMs = rec.endAt.Sub(rec.firstAt).Milliseconds()
	}
	if log.ChunkMs > 0 && log.CompletionTokens > 0 {
		log.TPS = float64(log.CompletionTokens) / (float64(log.ChunkMs) / 1000)
	}

	var io *gateway.ChatIO
	if rec.model != nil && rec.model.IOLog {
		output, err := rec.outputJSON()
		if err != nil {
			d.logger.LogAttrs(ctx, slog.LevelWarn, "encode chat io",
				slog.String("error", err.Error()))
		} else {
			io = &gateway.ChatIO{Input: truncate(rec.input, rec.maxIO), Output: output}
			log.IORecorded = true
		}
	}
	d.countTokens(rec.adm.ModelName, rec.usage)
	d.sink.Enqueue(log, io)
}

// outputJSON renders the recorded output: an ordered array of stream
// frames, or the unary body as a single string.
func (r *recorder) outputJSON() (json.RawMessage, error) {
	if r.stream {
		frames := make([]string, len(r.frames))
		for i, f := range r.frames {
			frames[i] = string(f)
		}
		return json.Marshal(frames)
	}
	return json.Marshal(string(truncate(r.output, r.maxIO)))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
