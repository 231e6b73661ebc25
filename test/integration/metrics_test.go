package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restql/restql/internal/config"
	"github.com/restql/restql/internal/core/retry"
	"github.com/restql/restql/internal/gateway"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/server"
	servermw "github.com/restql/restql/internal/server/middleware"
)

// isPermissionError normalizes OS-specific permission errors so tests skip
// when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func initMetricsOrSkip(t *testing.T) {
	t.Helper()
	if err := observability.InitMetrics("test", 0); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = observability.ShutdownMetrics() })
}

func listenOrSkip(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping server setup: %v", err)
		}
		require.NoError(t, err)
	}
	return listener
}

// newUpstream serves /users/{id} with a short delay on every third id and a
// 500 for id 0.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/users/")
		if id == "0" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if strings.HasSuffix(id, "3") {
			time.Sleep(20 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":%s,"name":"user-%s"}`, id, id)
	}))
	ts.Listener = listenOrSkip(t)
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

func gatewayConfig(baseURL string) *config.Config {
	return &config.Config{
		Logging:   config.LoggingConfig{Level: "info"},
		RateLimit: config.RateLimitConfig{Requests: 1000, Window: time.Minute, Strategy: "fixed_window"},
		Cache:     config.CacheConfig{DefaultTTL: time.Minute},
		Retry:     config.RetryConfig{Jitter: "none"},
		Upstreams: []config.UpstreamConfig{{Name: "users", BaseURL: baseURL, Timeout: time.Second}},
		GraphQL: config.GraphQLConfig{
			Path:          "/graphql",
			MaxComplexity: 50,
			MaxBodyBytes:  1 << 16,
			Concurrency:   4,
		},
	}
}

// newGatewayServer mounts a full gateway on a loopback listener.
func newGatewayServer(t *testing.T, baseURL string) (*httptest.Server, *http.Client) {
	t.Helper()
	require.NoError(t, observability.InitServerLogger("test", "info", "test"))

	cfg := gatewayConfig(baseURL)
	gw, err := gateway.New(context.Background(), cfg, gateway.Options{
		Logger: observability.ServerLogger,
		Sleep:  retry.NoSleep,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	srv := server.New(server.Options{
		Host:        "127.0.0.1",
		GraphQL:     gw.Handler(),
		GraphQLPath: cfg.GraphQL.Path,
		KeyFunc:     servermw.DefaultKeyFunc("X-Client-Key", false),
	})

	ts := &httptest.Server{
		Listener: listenOrSkip(t),
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

func postQuery(client *http.Client, url, clientKey, query string) (int, string, error) {
	body := fmt.Sprintf(`{"query":%q}`, query)
	req, err := http.NewRequest(http.MethodPost, url+"/graphql", strings.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Key", clientKey)
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close() // nolint:errcheck
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw), err
}

func scrape(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	return resp, string(body)
}

func TestMetricsEndpoint_GatewayLoad(t *testing.T) {
	require.NoError(t, observability.InitCLILogger("test", false))
	initMetricsOrSkip(t)

	upstream := newUpstream(t)
	ts, client := newGatewayServer(t, upstream.URL)

	const numRequests = 40
	const numWorkers = 8

	requests := make(chan int, numRequests)
	for i := 0; i < numRequests; i++ {
		requests <- i
	}
	close(requests)

	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := map[int]int{}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for n := range requests {
				// Repeated ids exercise the cache; id 0 exercises upstream errors.
				query := fmt.Sprintf(`{ u: restQuery(endpoint: "/users/%d", select: "name") }`, n%10)
				code, _, err := postQuery(client, ts.URL, fmt.Sprintf("worker-%d", worker), query)
				if err != nil {
					continue
				}
				mu.Lock()
				statuses[code]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Positive(t, statuses[http.StatusOK])

	resp, metrics := scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, metrics, "test_http_requests_total")
	assert.Contains(t, metrics, "test_http_request_duration_ms")
	assert.Contains(t, metrics, "test_gateway_dispatch_total")
	assert.Less(t, elapsed, 5*time.Second)
	t.Logf("%d queries in %v (%.2f req/s)", numRequests, elapsed, float64(numRequests)/elapsed.Seconds())
}

func TestMetricsEndpoint_PrometheusFormat(t *testing.T) {
	require.NoError(t, observability.InitCLILogger("test", false))
	initMetricsOrSkip(t)

	upstream := newUpstream(t)
	ts, client := newGatewayServer(t, upstream.URL)

	code, body, err := postQuery(client, ts.URL, "format", `{ u: restQuery(endpoint: "/users/7", select: "name") }`)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code, body)
	assert.JSONEq(t, `{"data":{"u":"user-7"}}`, body)

	resp, metrics := scrape(t, client, ts.URL)
	contentType := resp.Header.Get("Content-Type")
	assert.True(t, strings.HasPrefix(contentType, "text/plain; version=0.0.4"),
		"expected Prometheus content type, got %s", contentType)

	metricLines := 0
	labelled := false
	for _, line := range strings.Split(strings.TrimSpace(metrics), "\n") {
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		metricLines++
		if strings.Contains(line, "{") && len(strings.Fields(line)) >= 2 {
			labelled = true
		}
	}
	assert.Positive(t, metricLines)
	assert.True(t, labelled, "should have labelled Prometheus samples")
}

func TestMetricsEndpoint_WithTelemetryDisabled(t *testing.T) {
	require.NoError(t, observability.InitCLILogger("test", false))
	require.NoError(t, observability.ShutdownMetrics())

	upstream := newUpstream(t)
	ts, client := newGatewayServer(t, upstream.URL)

	code, body, err := postQuery(client, ts.URL, "disabled", `{ u: restQuery(endpoint: "/users/1", select: "name") }`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code, body)

	resp, _ := scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
