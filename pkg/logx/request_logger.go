package logx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger returns chi middleware that logs every request with its
// status and latency. Successful requests log at debug so health probes
// stay quiet.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			logger := Logger().With().
				Str("component", "http").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", r.RemoteAddr).
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Logger()
			r = r.WithContext(logger.WithContext(r.Context()))

			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			event := logger.Debug()
			if status >= 500 {
				event = logger.Error()
			} else if status >= 400 {
				event = logger.Warn()
			}
			event.
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("request completed")
		}
		return http.HandlerFunc(fn)
	}
}
