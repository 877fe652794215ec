package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

const (
	logChanSize   = 1000
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// LogStore is the persistence interface consumed by LogWriter.
type LogStore interface {
	InsertChatLogs(ctx context.Context, logs []*gateway.ChatLog) error
	InsertChatIO(ctx context.Context, io *gateway.ChatIO) error
}

// QueueGauge observes the pending queue length; prometheus.Gauge satisfies it.
type QueueGauge interface {
	Set(float64)
}

// entry pairs one chat log row with its optional IO row. The IO row gets
// its log_id only after the batch insert assigns the log's ID.
type entry struct {
	log *gateway.ChatLog
	io  *gateway.ChatIO
}

// LogWriter buffers chat log rows and batch-flushes them to the store.
// Entries are dropped if the channel is full (back-pressure on slow DB).
// It implements the dispatcher's Sink.
type LogWriter struct {
	ch    chan entry
	store LogStore
	gauge QueueGauge // may be nil
}

// NewLogWriter creates a LogWriter backed by store. gauge, when non-nil,
// tracks the pending queue length.
func NewLogWriter(store LogStore, gauge QueueGauge) *LogWriter {
	return &LogWriter{
		ch:    make(chan entry, logChanSize),
		store: store,
		gauge: gauge,
	}
}

// Enqueue queues one request's accounting rows. It never blocks; drops on
// full channel.
func (w *LogWriter) Enqueue(log *gateway.ChatLog, io *gateway.ChatIO) {
	select {
	case w.ch <- entry{log: log, io: io}:
		if w.gauge != nil {
			w.gauge.Set(float64(len(w.ch)))
		}
	default:
		slog.Warn("chat log dropped, channel full")
	}
}

// Run processes entries until ctx is cancelled, then drains the remainder.
func (w *LogWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]entry, 0, logBatchSize)

	for {
		select {
		case e := <-w.ch:
			buf = append(buf, e)
			if len(buf) >= logBatchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
			if w.gauge != nil {
				w.gauge.Set(float64(len(w.ch)))
			}

		case <-ctx.Done():
			w.drain(buf)
			return nil
		}
	}
}

func (w *LogWriter) drain(buf []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case e := <-w.ch:
			buf = append(buf, e)
			if len(buf) >= logBatchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

// flush inserts the buffered log rows in one batch, then the IO rows with
// the assigned log IDs.
func (w *LogWriter) flush(ctx context.Context, buf []entry) {
	logs := make([]*gateway.ChatLog, len(buf))
	for i, e := range buf {
		logs[i] = e.log
	}
	if err := w.store.InsertChatLogs(ctx, logs); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "chat log flush failed",
			slog.Int("count", len(logs)),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, e := range buf {
		if e.io == nil {
			continue
		}
		e.io.LogID = e.log.ID
		if err := w.store.InsertChatIO(ctx, e.io); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "chat io insert failed",
				slog.Int64("log_id", e.io.LogID),
				slog.String("error", err.Error()),
			)
		}
	}
}
