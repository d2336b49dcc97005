package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// written by the handler so we can log it after the fact.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// quietPaths are polled by probes and scrapers; successful hits log at debug.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestLogger returns a middleware that emits a structured zap log line
// for every completed HTTP request, including the correlation ID.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			level := zapcore.InfoLevel
			switch {
			case wrapped.status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case quietPaths[r.URL.Path] && wrapped.status < http.StatusBadRequest:
				level = zapcore.DebugLevel
			}
			if ce := logger.Check(level, "http request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", wrapped.status),
					zap.Duration("latency", time.Since(start)),
					zap.String("correlation_id", GetCorrelationID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}
		})
	}
}
