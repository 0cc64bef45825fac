package server

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder captures what the ops handlers wrote. Unwrap lets
// http.ResponseController reach the underlying writer for flushes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// scrapeRoutes are polled by monitoring on a short interval; they are only
// logged when they fail.
var scrapeRoutes = map[string]bool{
	"GET /health":  true,
	"GET /metrics": true,
}

// requestLevel picks the record level: failures are errors, requests that
// hit no route are warnings, everything else is debug.
func requestLevel(route string, status int) (slog.Level, bool) {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError, true
	case route == "":
		return slog.LevelWarn, true
	case scrapeRoutes[route] && status < http.StatusBadRequest:
		return 0, false
	default:
		return slog.LevelDebug, true
	}
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		level, ok := requestLevel(r.Pattern, rec.code())
		if !ok {
			return
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.log().LogAttrs(r.Context(), level, "ops request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", rec.code()),
			slog.Int64("bytes", rec.written),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}
