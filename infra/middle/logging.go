package middle

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/paygate-io/paygate/infra/logger"
)

// statusWriter captures the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(statusCode int) {
	sw.status = statusCode
	sw.ResponseWriter.WriteHeader(statusCode)
}

// RequestLoggingMiddleware emits one structured log line per request with
// method, path, status, duration and the chi request id. Health probes are
// skipped so the log is not dominated by the load balancer.
func RequestLoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/health/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("http request", logger.LogContext{
				RequestID:     middleware.GetReqID(r.Context()),
				CorrelationID: r.Header.Get("X-Correlation-Id"),
				Fields: map[string]any{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      sw.status,
					"duration_ms": time.Since(start).Milliseconds(),
					"client_ip":   GetClientIP(r),
				},
			})
		})
	}
}
