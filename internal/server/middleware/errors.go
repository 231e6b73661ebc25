package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/metrics"
	"github.com/restql/restql/internal/observability"
)

// ErrorResponse is the JSON body written for recovered panics. It matches
// the envelope shape used by internal/errors without importing it.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// headerTracker notes whether a response has started.
type headerTracker struct {
	http.ResponseWriter
	started bool
}

func (h *headerTracker) WriteHeader(code int) {
	h.started = true
	h.ResponseWriter.WriteHeader(code)
}

func (h *headerTracker) Write(b []byte) (int, error) {
	h.started = true
	return h.ResponseWriter.Write(b)
}

// Recovery turns a handler panic into a 500 INTERNAL_ERROR carrying only the
// request ID; the panic value and stack go to the server log. If the handler
// already started its response, nothing more is written.
// http.ErrAbortHandler is re-raised.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracked := &headerTracker{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := GetRequestID(r.Context())
			if observability.ServerLogger != nil {
				observability.ServerLogger.Error("Recovered from panic",
					zap.String("panic", fmt.Sprint(rec)),
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path),
					zap.Bool("response_started", tracked.started),
					zap.String("stack_trace", string(debug.Stack())))
			}
			metrics.RecordPanic()

			if tracked.started {
				return
			}
			envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", "internal server error").
				WithCorrelationID(requestID)
			envelope, _ = envelope.WithSeverity(errors.SeverityCritical)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()

		next.ServeHTTP(tracked, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   envelope.Context,
			RequestID: envelope.CorrelationID,
		},
	})
}
