package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/observability"
)

// HTTP series emitted per request.
const (
	httpRequestsTotal   = "http_requests_total"
	httpRequestDuration = "http_request_duration_ms"
	httpRequestSize     = "http_request_size_bytes"
	httpResponseSize    = "http_response_size_bytes"
	httpErrorsTotal     = "http_errors_total"
)

// statusRecorder captures the status code and body size written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.size += int64(n)
	return n, err
}

// getEndpointPattern returns the chi route pattern, or a fixed bucket for the
// gateway's own paths. Anything else is "/unknown" to bound cardinality.
func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	switch path := r.URL.Path; path {
	case "/health", "/health/live", "/health/ready", "/health/startup":
		return "/health/*"
	case "/", "/version", "/metrics", "/graphql", "/playground":
		return path
	default:
		return "/unknown"
	}
}

// errorType buckets a failed status. GraphQL responses use 429 for rate
// limiting and 502/504 for upstream failures, which are kept apart from
// other client and server errors.
func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return "upstream"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

// RequestMetrics emits the HTTP request series and a completion log line.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sys := observability.TelemetrySystem
		if sys == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		endpoint := getEndpointPattern(r)
		status := strconv.Itoa(rec.status)
		labels := map[string]string{"method": r.Method, "endpoint": endpoint, "status": status}
		sizeLabels := map[string]string{"method": r.Method, "endpoint": endpoint}

		_ = sys.Counter(httpRequestsTotal, 1, labels)
		_ = sys.Histogram(httpRequestDuration, elapsed, labels)
		if r.ContentLength > 0 {
			_ = sys.Gauge(httpRequestSize, float64(r.ContentLength), sizeLabels)
		} else {
			_ = sys.Gauge(httpRequestSize, 0, sizeLabels)
		}
		_ = sys.Gauge(httpResponseSize, float64(rec.size), sizeLabels)

		if rec.status >= http.StatusBadRequest {
			_ = sys.Counter(httpErrorsTotal, 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     status,
				"error_type": errorType(rec.status),
			})
		}

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", rec.status),
				zap.Duration("duration", elapsed),
				zap.Int64("response_size", rec.size),
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("client", GetClientKey(r.Context())))
		}
	})
}
