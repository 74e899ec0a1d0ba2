package rest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/logging"
	"github.com/gorilla/mux"
)

// RequestIDHeader carries the request ID in requests and responses.
const RequestIDHeader = "X-Request-ID"

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestIDMiddleware assigns each request an ID, reusing the client's when
// it sends one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(logger logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			// Skip logging for health checks
			if r.URL.Path == "/api/v1/health" {
				return
			}
			reqLogger := logger
			if id := logging.RequestIDFromContext(r.Context()); id != "" {
				reqLogger = reqLogger.WithRequestID(id)
			}
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if name := cur.GetName(); name != "" {
					route = name
				}
			}
			reqLogger.Info("http request",
				"method", r.Method,
				"route", route,
				"status", wrapped.statusCode,
				"duration", time.Since(start).String(),
				"remoteAddr", r.RemoteAddr,
			)
		})
	}
}

// ConnectionTrackingMiddleware counts requests in flight.
func ConnectionTrackingMiddleware(h *Handlers) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.IncrementConnections()
			defer h.DecrementConnections()
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryLogger adapts Logger to the gorilla recovery handler.
type recoveryLogger struct {
	logger logging.Logger
}

func (l recoveryLogger) Println(args ...interface{}) {
	l.logger.Error("panic recovered", "error", fmt.Sprint(args...))
}
