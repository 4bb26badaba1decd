/*
middleware.go - Request logging through zerolog

PURPOSE:
  Writes one structured access log line per request, in the same format as
  every other log line of the engine. Replaces chi's middleware.Logger,
  which prints plain text through the standard library logger.

FIELDS:
  method, path, status, bytes, duration_ms, request_id

  Level follows the status: 5xx -> error, 4xx -> warn, else info.

SEE ALSO:
  - server.go: middleware order (must run after middleware.RequestID)
  - logging/logger.go: global logger
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/booking-engine/logging"
)

// RequestLogger logs each request once it has been served.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger := logging.Logger()
			logger.WithLevel(levelFor(status)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()

		next.ServeHTTP(ww, r)
	})
}

func levelFor(status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
