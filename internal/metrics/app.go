package metrics

import (
	"strconv"
	"time"

	"github.com/restql/restql/internal/observability"
)

// Gateway metrics following Prometheus conventions
var (
	// Dispatch metrics
	DispatchTotal    = "gateway_dispatch_total"
	DispatchAttempts = "gateway_dispatch_attempts_total"
	DispatchDuration = "gateway_dispatch_duration_ms"

	// Cache metrics
	CacheLookupsTotal = "gateway_cache_lookups_total"
	CacheEntries      = "gateway_cache_entries"
	CacheEvictions    = "gateway_cache_evictions_total"

	// Rate limiter metrics
	RateLimitDecisions = "gateway_rate_limit_decisions_total"
	RateLimitKeys      = "gateway_rate_limit_tracked_keys"

	// GraphQL metrics
	GraphQLOperations = "gateway_graphql_operations_total"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordDispatch records one field resolution outcome for an upstream.
func RecordDispatch(api, status string, fromCache bool, attempts int, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	if api == "" {
		api = "unknown"
	}
	_ = observability.TelemetrySystem.Counter(
		DispatchTotal,
		1,
		map[string]string{
			"api":        api,
			"status":     status,
			"from_cache": strconv.FormatBool(fromCache),
		},
	)
	if attempts > 0 {
		_ = observability.TelemetrySystem.Counter(
			DispatchAttempts,
			float64(attempts),
			map[string]string{"api": api},
		)
	}
	_ = observability.TelemetrySystem.Histogram(
		DispatchDuration,
		duration,
		map[string]string{"api": api},
	)
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CacheLookupsTotal,
			1,
			map[string]string{"result": result},
		)
	}
}

// RecordCacheSweep records entries removed by a sweep and the remaining size.
func RecordCacheSweep(removed, remaining int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(CacheEvictions, float64(removed), nil)
		_ = observability.TelemetrySystem.Gauge(CacheEntries, float64(remaining), nil)
	}
}

// RecordRateLimit records a rate limiter decision.
func RecordRateLimit(allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RateLimitDecisions,
			1,
			map[string]string{"decision": decision},
		)
	}
}

// SetRateLimitKeys sets the number of client keys the limiter tracks.
func SetRateLimitKeys(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(RateLimitKeys, float64(count), nil)
	}
}

// RecordGraphQLOperation records an executed GraphQL operation.
func RecordGraphQLOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GraphQLOperations,
			1,
			map[string]string{
				"operation": operation,
				"status":    status,
			},
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}
