// Package dispatch performs outbound REST calls for resolved fields.
//
// Each attempt runs under the target's timeout. Transport failures, attempt
// timeouts, 5xx and 429 responses are retried with exponential backoff; other
// 4xx responses and malformed 2xx bodies are returned immediately.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/core/retry"
	"github.com/restql/restql/internal/core/upstream"
)

// MaxResponseBytes bounds how much of an upstream body is read.
const MaxResponseBytes = 10 << 20

const (
	DetailMalformedBody = "malformed upstream body"
	DetailCancelled     = "request cancelled"
)

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// bodyMethods carry a JSON body when the request provides one.
var bodyMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Resolver looks up upstream targets by name.
type Resolver interface {
	Resolve(name string) (core.Target, error)
}

// Config configures a Dispatcher.
type Config struct {
	Upstreams Resolver
	Client    *http.Client
	// Policy supplies backoff timing. MaxRetries is taken from each target.
	Policy    retry.Policy
	UserAgent string
	Logger    *logging.Logger
}

// Dispatcher executes DispatchRequests against registered upstreams.
type Dispatcher struct {
	upstreams Resolver
	client    *http.Client
	policy    retry.Policy
	userAgent string
	logger    *logging.Logger
	throttles sync.Map // target name -> *rate.Limiter
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	policy := cfg.Policy
	if policy.Sleep == nil {
		policy.Sleep = retry.SleepContext
	}
	return &Dispatcher{
		upstreams: cfg.Upstreams,
		client:    client,
		policy:    policy,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

// attemptOutcome is the classified result of one HTTP exchange.
type attemptOutcome struct {
	status     core.Status
	value      core.Document
	detail     string
	statusCode int
	retryable  bool
	retryAfter time.Duration
}

// Dispatch resolves req's target and performs the call with retries. It
// never returns an error: every failure is expressed as a result status.
func (d *Dispatcher) Dispatch(ctx context.Context, req core.DispatchRequest) core.DispatchResult {
	if ctx == nil {
		ctx = context.Background()
	}

	method := req.NormalizedMethod()
	if !knownMethods[method] {
		return d.finish(req, core.Failure(core.StatusValidationError, fmt.Sprintf("unsupported HTTP method %q", req.Method)))
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return d.finish(req, core.Failure(core.StatusValidationError, "endpoint is required"))
	}
	if d.upstreams == nil {
		return d.finish(req, core.Failure(core.StatusUnknownUpstream, "no upstreams configured"))
	}

	target, err := d.upstreams.Resolve(req.API)
	if err != nil {
		return d.finish(req, core.Failure(core.StatusUnknownUpstream, err.Error()))
	}
	req.API = target.Name

	address, err := upstream.ResolveURL(target, req.Endpoint)
	if err != nil {
		return d.finish(req, core.Failure(core.StatusValidationError, err.Error()))
	}

	var body []byte
	if req.Body != nil && bodyMethods[method] {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return d.finish(req, core.Failure(core.StatusValidationError, "request body is not JSON-encodable: "+err.Error()))
		}
	}
	headers := d.buildHeaders(target, req, body != nil)

	policy := d.policy.WithMaxRetries(target.RetryAttempts)
	attempts := policy.Attempts()
	throttle := d.throttleFor(target)
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = retry.DefaultMaxDelay
	}

	var last attemptOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.Backoff(attempt - 1)
			if last.retryAfter > delay && last.retryAfter <= maxDelay {
				delay = last.retryAfter
			}
			d.warn("Retrying upstream call",
				zap.String("request_id", req.RequestID),
				zap.String("api", target.Name),
				zap.Int("attempt", attempt+1),
				zap.String("previous", string(last.status)),
				zap.Int("previous_status", last.statusCode),
				zap.Duration("delay", delay))
			if err := policy.Sleep(ctx, delay); err != nil {
				last = callerOutcome(ctx)
				return d.finish(req, d.result(last, attempt))
			}
		}

		d.debug("Dispatching upstream call",
			zap.String("request_id", req.RequestID),
			zap.String("api", target.Name),
			zap.String("method", method),
			zap.String("url", address),
			zap.Int("attempt", attempt+1))

		last = d.attempt(ctx, target, throttle, method, address, body, headers)
		if last.status == core.StatusSuccess || !last.retryable {
			return d.finish(req, d.result(last, attempt+1))
		}
	}

	return d.finish(req, d.result(last, attempts))
}

func (d *Dispatcher) attempt(ctx context.Context, target core.Target, throttle *rate.Limiter, method, address string, body []byte, headers http.Header) attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, target.Timeout)
	defer cancel()

	if throttle != nil {
		if err := throttle.Wait(attemptCtx); err != nil {
			if ctx.Err() != nil {
				return callerOutcome(ctx)
			}
			return attemptOutcome{status: core.StatusTimeout, detail: "outbound throttle wait exceeds attempt timeout", retryable: true}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, address, reader)
	if err != nil {
		return attemptOutcome{status: core.StatusValidationError, detail: err.Error()}
	}
	httpReq.Header = headers.Clone()

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, attemptCtx, target, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return classifyTransportError(ctx, attemptCtx, target, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		value, err := decodeDocument(data)
		if err != nil {
			return attemptOutcome{status: core.StatusUpstreamError, detail: DetailMalformedBody, statusCode: resp.StatusCode}
		}
		return attemptOutcome{status: core.StatusSuccess, value: value, statusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		wait, _ := retryAfterHeader(resp)
		return attemptOutcome{
			status:     core.StatusUpstreamError,
			detail:     "upstream rate limited",
			statusCode: resp.StatusCode,
			retryable:  true,
			retryAfter: wait,
		}
	case resp.StatusCode >= 500:
		return attemptOutcome{
			status:     core.StatusUpstreamError,
			detail:     fmt.Sprintf("upstream returned %d", resp.StatusCode),
			statusCode: resp.StatusCode,
			retryable:  true,
		}
	default:
		return attemptOutcome{
			status:     core.StatusUpstreamError,
			detail:     upstreamDetail(resp.StatusCode, data),
			statusCode: resp.StatusCode,
		}
	}
}

// classifyTransportError separates caller cancellation (final) from the
// attempt's own deadline (retryable timeout) and other transport failures.
func classifyTransportError(ctx, attemptCtx context.Context, target core.Target, err error) attemptOutcome {
	if ctx.Err() != nil {
		return callerOutcome(ctx)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return attemptOutcome{
			status:    core.StatusTimeout,
			detail:    fmt.Sprintf("upstream %s did not respond within %s", target.Name, target.Timeout),
			retryable: true,
		}
	}
	return attemptOutcome{status: core.StatusUpstreamError, detail: err.Error(), retryable: true}
}

// callerOutcome reports why the caller's context ended. A caller deadline is
// a timeout; any other cancellation is a cancelled request.
func callerOutcome(ctx context.Context) attemptOutcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return attemptOutcome{status: core.StatusTimeout, detail: "request deadline exceeded"}
	}
	return attemptOutcome{status: core.StatusUpstreamError, detail: DetailCancelled}
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func (d *Dispatcher) result(o attemptOutcome, attempts int) core.DispatchResult {
	return core.DispatchResult{
		Status:     o.status,
		Value:      o.value,
		Detail:     o.detail,
		StatusCode: o.statusCode,
		Attempts:   attempts,
	}
}

func (d *Dispatcher) finish(req core.DispatchRequest, result core.DispatchResult) core.DispatchResult {
	result.API = req.API
	if !result.OK() {
		d.warn("Upstream call failed",
			zap.String("request_id", req.RequestID),
			zap.String("api", req.API),
			zap.String("endpoint", req.Endpoint),
			zap.String("status", string(result.Status)),
			zap.Int("status_code", result.StatusCode),
			zap.Int("attempts", result.Attempts),
			zap.String("detail", result.Detail))
	}
	return result
}

func (d *Dispatcher) buildHeaders(target core.Target, req core.DispatchRequest, hasBody bool) http.Header {
	headers := make(http.Header)
	headers.Set("Accept", "application/json")
	if d.userAgent != "" {
		headers.Set("User-Agent", d.userAgent)
	}
	if req.RequestID != "" {
		headers.Set("X-Request-ID", req.RequestID)
	}
	for k, v := range target.Headers {
		headers.Set(k, v)
	}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	if hasBody {
		headers.Set("Content-Type", "application/json")
	}
	return headers
}

func (d *Dispatcher) throttleFor(target core.Target) *rate.Limiter {
	if target.MaxRPS <= 0 {
		return nil
	}
	if existing, ok := d.throttles.Load(target.Name); ok {
		return existing.(*rate.Limiter)
	}
	burst := target.Burst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(target.MaxRPS)))
	}
	limiter, _ := d.throttles.LoadOrStore(target.Name, rate.NewLimiter(rate.Limit(target.MaxRPS), burst))
	return limiter.(*rate.Limiter)
}

func decodeDocument(data []byte) (core.Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var value core.Document
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// upstreamDetail summarises a client-error body for the caller.
func upstreamDetail(code int, data []byte) string {
	detail := fmt.Sprintf("upstream returned %d", code)
	text := strings.TrimSpace(string(data))
	if text == "" {
		return detail
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return detail + ": " + text
}

func retryAfterHeader(resp *http.Response) (time.Duration, bool) {
	if resp == nil || resp.Header == nil {
		return 0, false
	}
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := time.ParseDuration(value + "s"); err == nil && seconds >= 0 {
		return seconds, true
	}
	if parsed, err := http.ParseTime(value); err == nil {
		if wait := time.Until(parsed); wait > 0 {
			return wait, true
		}
		return 0, true
	}
	return 0, false
}

func (d *Dispatcher) debug(msg string, fields ...zap.Field) {
	if d.logger != nil {
		d.logger.Debug(msg, fields...)
	}
}

func (d *Dispatcher) warn(msg string, fields ...zap.Field) {
	if d.logger != nil {
		d.logger.Warn(msg, fields...)
	}
}
