package metrics

import (
	"strconv"

	"github.com/restql/restql/internal/observability"
)

// Error metric names
const (
	ErrorsTotal      = "errors_total"
	PanicsTotal      = "panics_total"
	ErrorsByEndpoint = "errors_by_endpoint"
)

// RecordError counts an error envelope written to a client.
func RecordError(errorCode string, httpStatus int) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(ErrorsTotal, 1, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(PanicsTotal, 1, nil)
}

// RecordErrorByEndpoint counts an error against the request path, so GraphQL
// failures and health failures are told apart.
func RecordErrorByEndpoint(endpoint string, errorCode string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(ErrorsByEndpoint, 1, map[string]string{
		"endpoint":   endpoint,
		"error_code": errorCode,
	})
}
