package core

import (
	"net/http"
	"strings"
	"time"
)

// Document is a decoded JSON value: map[string]any, []any, string, float64,
// bool or nil.
type Document = any

// Status classifies the outcome of resolving one field.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusRateLimited     Status = "rate_limited"
	StatusTimeout         Status = "timeout"
	StatusUpstreamError   Status = "upstream_error"
	StatusValidationError Status = "validation_error"
	StatusUnknownUpstream Status = "unknown_upstream"
)

// Target is a registered upstream REST API. Targets are immutable once
// registered.
type Target struct {
	Name          string            `json:"name"`
	BaseURL       string            `json:"base_url"`
	Timeout       time.Duration     `json:"timeout"`
	RetryAttempts int               `json:"retry_attempts"`
	Headers       map[string]string `json:"headers,omitempty"`
	MaxRPS        float64           `json:"max_rps,omitempty"`
	Burst         int               `json:"burst,omitempty"`
}

// DispatchRequest describes one outbound REST call derived from a field.
type DispatchRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	API       string            `json:"api,omitempty"`
	Endpoint  string            `json:"endpoint"`
	Method    string            `json:"method"`
	Body      Document          `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// NormalizedMethod returns the upper-cased method, defaulting to GET.
func (r DispatchRequest) NormalizedMethod() string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

// IsRead reports whether the request is a cacheable read.
func (r DispatchRequest) IsRead() bool {
	return r.NormalizedMethod() == http.MethodGet
}

// DispatchResult is the outcome of one field resolution. Value is only
// meaningful when Status is StatusSuccess.
type DispatchResult struct {
	Status     Status   `json:"status"`
	Value      Document `json:"value,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	StatusCode int      `json:"status_code,omitempty"`
	Attempts   int      `json:"attempts,omitempty"`
	FromCache  bool     `json:"from_cache,omitempty"`
	API        string   `json:"api,omitempty"`
}

// OK reports whether the result carries a value.
func (r DispatchResult) OK() bool {
	return r.Status == StatusSuccess
}

// Success builds a successful result.
func Success(value Document, attempts int) DispatchResult {
	return DispatchResult{Status: StatusSuccess, Value: value, Attempts: attempts}
}

// Failure builds a non-success result.
func Failure(status Status, detail string) DispatchResult {
	return DispatchResult{Status: status, Detail: detail}
}
