package dispatch

import (
	"net/http"
)

// TrackingWriter records whether the response has started, meaning the
// status line was sent or body bytes were written. Once started, headers
// and status can no longer be changed, so error handling must not try to
// write an error document.
type TrackingWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

// Track wraps w, or returns w itself when it is already tracking.
func Track(w http.ResponseWriter) *TrackingWriter {
	if tw, ok := w.(*TrackingWriter); ok {
		return tw
	}
	return &TrackingWriter{ResponseWriter: w}
}

// Started reports whether the response written through w has started. A
// writer that is not tracked is assumed not started.
func Started(w http.ResponseWriter) bool {
	tw, ok := w.(*TrackingWriter)
	return ok && tw.Started()
}

// Started reports whether headers or body bytes were sent.
func (t *TrackingWriter) Started() bool { return t.status != 0 }

// Status returns the response status, or 0 if not started.
func (t *TrackingWriter) Status() int { return t.status }

// Written returns the number of body bytes written.
func (t *TrackingWriter) Written() int64 { return t.written }

// WriteHeader implements http.ResponseWriter.
func (t *TrackingWriter) WriteHeader(code int) {
	if t.status == 0 {
		t.status = code
	}
	t.ResponseWriter.WriteHeader(code)
}

// Write implements http.ResponseWriter.
func (t *TrackingWriter) Write(b []byte) (int, error) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	n, err := t.ResponseWriter.Write(b)
	t.written += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (t *TrackingWriter) Flush() {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *TrackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }
