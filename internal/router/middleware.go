package router

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

// requestID keeps a client-supplied request id or assigns a new one, and
// echoes it in the response.
func (rt *Router) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// instrument wraps the writer for response-start tracking and records
// request metrics by protocol and status.
func (rt *Router) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := dispatch.Track(w)
		start := time.Now()
		defer func() {
			label := rt.label(r.URL.Path)
			status := tw.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.Requests.WithLabelValues(label, strconv.Itoa(status)).Inc()
			metrics.RequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(tw, r)
	})
}

// label maps a path to a bounded set of metric labels.
func (rt *Router) label(path string) string {
	rest, ok := strings.CutPrefix(path, rt.cfg.BasePath+"/")
	if !ok {
		return "other"
	}
	seg, _, _ := strings.Cut(rest, "/")
	switch {
	case rt.hasListing(seg):
		return seg
	case seg == "status.json", seg == "metrics", seg == "index.html":
		return strings.TrimSuffix(strings.TrimSuffix(seg, ".json"), ".html")
	}
	return "other"
}

// recoverer turns a panic into a logged 500. Once the response has
// started, the panic is re-raised unchanged.
func (rt *Router) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler || dispatch.Started(w) {
				panic(v)
			}
			id := uuid.NewString()
			rt.log.Error().
				Str("error_id", id).
				Str("request_id", r.Header.Get(requestIDHeader)).
				Str("path", r.URL.Path).
				Str("panic", fmt.Sprint(v)).
				Str("stack", string(debug.Stack())).
				Msg("panic serving request")
			writeEnvelope(w, http.StatusInternalServerError, "Internal server error. (error_id="+id+")")
		}()
		next.ServeHTTP(w, r)
	})
}
