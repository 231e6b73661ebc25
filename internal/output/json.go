package output

import (
	"encoding/json"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/stats"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

type upstreamView struct {
	core.Target
	Default bool `json:"default"`
}

// FormatUpstreams renders the registered targets as a JSON array.
func (f *JSONFormatter) FormatUpstreams(targets []core.Target, defaultName string) (string, error) {
	views := make([]upstreamView, 0, len(targets))
	for _, target := range targets {
		views = append(views, upstreamView{Target: target, Default: target.Name == defaultName})
	}
	return f.encode(views)
}

// FormatResult renders the request and its result.
func (f *JSONFormatter) FormatResult(req core.DispatchRequest, result core.DispatchResult) (string, error) {
	return f.encode(struct {
		Request core.DispatchRequest `json:"request"`
		Result  core.DispatchResult  `json:"result"`
	}{req, result})
}

// FormatCounters renders counters keyed by name.
func (f *JSONFormatter) FormatCounters(title string, counters stats.Counters) (string, error) {
	if counters == nil {
		counters = stats.Counters{}
	}
	return f.encode(map[string]any{"scope": title, "counters": counters})
}

func (f *JSONFormatter) encode(v any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
