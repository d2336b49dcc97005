package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// CorrelationHeader is read from requests and echoed on responses.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID reads the correlation header from the incoming request, or
// generates a UUID when absent, and stores it on the request context.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID stored by the middleware.
// Returns an empty string if the middleware was not applied.
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// Logger returns base annotated with the request's correlation ID, so
// handler log lines can be joined with the access log.
func Logger(ctx context.Context, base *zap.Logger) *zap.Logger {
	if id := GetCorrelationID(ctx); id != "" {
		return base.With(zap.String("correlation_id", id))
	}
	return base
}
