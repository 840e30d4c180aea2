package api

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/lead-exchange/config"
)

// RequestLogger writes one logrus entry per request once it has been served.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := log.WithFields(logrus.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_addr": r.RemoteAddr,
			})
			switch {
			case status >= 500:
				entry.Error("request failed")
			case status >= 400:
				entry.Warn("request rejected")
			default:
				entry.Info("request served")
			}
		})
	}
}

// RateLimit limits requests per client address. It is a pass-through when
// the limit is not configured.
func RateLimit(cnf config.RateLimitConfig) func(http.Handler) http.Handler {
	if !cnf.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}

	lmt := tollbooth.NewLimiter(*cnf.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: cnf.CleanupInterval,
	})
	lmt.SetBurst(*cnf.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpError := tollbooth.LimitByRequest(lmt, w, r); httpError != nil {
				writeJSON(w, httpError.StatusCode, ErrorResponse{Error: httpError.Message})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
