package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/stats"
)

func sampleTargets() []core.Target {
	return []core.Target{
		{
			Name:          "users",
			BaseURL:       "https://users.example.com",
			Timeout:       5 * time.Second,
			RetryAttempts: 3,
			Headers:       map[string]string{"X-Api-Key": "secret", "Accept": "application/json"},
		},
		{
			Name:          "billing",
			BaseURL:       "https://billing.example.com/v2",
			Timeout:       time.Second,
			RetryAttempts: 0,
			MaxRPS:        2.5,
			Burst:         5,
		},
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func TestFormatUpstreamsTable(t *testing.T) {
	rendered, err := NewFormatter(FormatTable).FormatUpstreams(sampleTargets(), "users")
	require.NoError(t, err)

	assert.Contains(t, rendered, "users (default)")
	assert.Contains(t, rendered, "https://billing.example.com/v2")
	assert.Contains(t, rendered, "2.5 (burst 5)")
	assert.Contains(t, rendered, "Accept, X-Api-Key")
	assert.Contains(t, rendered, "2 UPSTREAM(S)")
	assert.NotContains(t, rendered, "secret")
}

func TestFormatUpstreamsJSON(t *testing.T) {
	rendered, err := NewFormatter(FormatJSON).FormatUpstreams(sampleTargets(), "billing")
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "users", decoded[0]["name"])
	assert.Equal(t, false, decoded[0]["default"])
	assert.Equal(t, true, decoded[1]["default"])
	assert.Equal(t, "https://billing.example.com/v2", decoded[1]["base_url"])
}

func TestFormatResult(t *testing.T) {
	req := core.DispatchRequest{API: "users", Endpoint: "/users/1"}
	ok := core.Success(map[string]any{"name": "Ada"}, 1)
	ok.API = "users"
	ok.FromCache = true

	rendered, err := NewFormatter(FormatTable).FormatResult(req, ok)
	require.NoError(t, err)
	assert.Contains(t, rendered, "GET /users/1")
	assert.Contains(t, rendered, "success (cached)")
	assert.Contains(t, rendered, `{"name":"Ada"}`)

	failed := core.Failure(core.StatusUpstreamError, "upstream returned 503")
	failed.StatusCode = 503
	failed.Attempts = 3
	rendered, err = NewFormatter(FormatMarkdown).FormatResult(req, failed)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rendered, "| Field | Value |"), rendered)
	assert.Contains(t, rendered, "upstream_error")
	assert.Contains(t, rendered, "503")
	assert.NotContains(t, rendered, "| Value | null")
}

func TestFormatResultTruncatesLargeValues(t *testing.T) {
	result := core.Success(strings.Repeat("x", 500), 1)

	rendered, err := NewFormatter(FormatTable).FormatResult(core.DispatchRequest{Endpoint: "/big"}, result)
	require.NoError(t, err)
	assert.Contains(t, rendered, "...")
	assert.NotContains(t, rendered, strings.Repeat("x", maxValueWidth))
}

func TestFormatResultJSON(t *testing.T) {
	req := core.DispatchRequest{Endpoint: "/ping", Method: "get"}
	rendered, err := NewFormatter(FormatJSON).FormatResult(req, core.Success("pong", 2))
	require.NoError(t, err)

	var decoded struct {
		Request core.DispatchRequest `json:"request"`
		Result  core.DispatchResult  `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	assert.Equal(t, "/ping", decoded.Request.Endpoint)
	assert.Equal(t, core.StatusSuccess, decoded.Result.Status)
	assert.Equal(t, "pong", decoded.Result.Value)
	assert.Equal(t, 2, decoded.Result.Attempts)
}

func TestFormatCounters(t *testing.T) {
	counters := stats.Counters{"denied": 2, "allowed": 10, "success": 7}

	rendered, err := NewFormatter(FormatTable).FormatCounters("totals", counters)
	require.NoError(t, err)
	assert.Contains(t, rendered, "totals")
	assert.Contains(t, rendered, "19")
	assert.Less(t, strings.Index(rendered, "allowed"), strings.Index(rendered, "denied"))
	assert.Less(t, strings.Index(rendered, "denied"), strings.Index(rendered, "success"))

	rendered, err = NewFormatter(FormatJSON).FormatCounters("totals", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope":"totals","counters":{}}`, rendered)
}
