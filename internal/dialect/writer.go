package dialect

import (
	"net/http"
)

// FrameWriter is the shared base for dialect stream writers. It sets SSE
// response headers, counts flushed bytes, and feeds an optional recorder
// for IO logging.
type FrameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	record  func([]byte)
	n       int64
}

// NewFrameWriter prepares w for server-sent events and returns the base writer.
func NewFrameWriter(w http.ResponseWriter, record func([]byte)) *FrameWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)
	return &FrameWriter{w: w, flusher: flusher, record: record}
}

// WriteFrame writes one wire frame and flushes it to the client.
func (f *FrameWriter) WriteFrame(frame []byte) error {
	n, err := f.w.Write(frame)
	f.n += int64(n)
	if err != nil {
		return err
	}
	if f.record != nil {
		f.record(frame)
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return nil
}

// BytesWritten reports bytes flushed so far. A non-zero value means the
// response is committed and the dispatcher must not fail over.
func (f *FrameWriter) BytesWritten() int64 { return f.n }
