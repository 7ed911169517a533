package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/raffle/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger tags each request with an id and writes an access log line.
type RequestLogger struct {
	log *logger.Logger
}

func NewRequestLogger(log *logger.Logger) *RequestLogger {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &RequestLogger{log: log}
}

// Handler returns the logging middleware handler.
func (m *RequestLogger) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		next.ServeHTTP(w, r)

		m.log.WithField("request_id", requestID).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("request handled")
	})
}
