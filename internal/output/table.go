package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/stats"
)

// maxValueWidth bounds how much of a response document a table cell shows.
const maxValueWidth = 96

// TableFormatter renders results as an ASCII table, or as a markdown table
// when Markdown is set.
type TableFormatter struct {
	Markdown bool
}

// FormatUpstreams renders one row per registered target.
func (f *TableFormatter) FormatUpstreams(targets []core.Target, defaultName string) (string, error) {
	t := f.newWriter()
	t.AppendHeader(table.Row{"Name", "Base URL", "Timeout", "Retries", "Max RPS", "Headers"})

	for _, target := range targets {
		name := target.Name
		if name == defaultName {
			name += " (default)"
		}
		t.AppendRow(table.Row{
			name,
			target.BaseURL,
			target.Timeout.String(),
			target.RetryAttempts,
			formatRPS(target.MaxRPS, target.Burst),
			headerNames(target.Headers),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d upstream(s)", len(targets))})

	return f.render(t), nil
}

// FormatResult renders a dispatch result as field/value rows.
func (f *TableFormatter) FormatResult(req core.DispatchRequest, result core.DispatchResult) (string, error) {
	t := f.newWriter()
	t.AppendHeader(table.Row{"Field", "Value"})

	api := result.API
	if api == "" {
		api = req.API
	}
	t.AppendRow(table.Row{"Request", req.NormalizedMethod() + " " + req.Endpoint})
	if api != "" {
		t.AppendRow(table.Row{"API", api})
	}
	t.AppendRow(table.Row{"Status", statusLabel(result)})
	if result.StatusCode != 0 {
		t.AppendRow(table.Row{"HTTP Status", result.StatusCode})
	}
	if result.Attempts > 0 {
		t.AppendRow(table.Row{"Attempts", result.Attempts})
	}
	if result.Detail != "" {
		t.AppendRow(table.Row{"Detail", result.Detail})
	}
	if result.OK() {
		value, err := compactValue(result.Value)
		if err != nil {
			return "", err
		}
		t.AppendRow(table.Row{"Value", value})
	}

	return f.render(t), nil
}

// FormatCounters renders counters sorted by name.
func (f *TableFormatter) FormatCounters(title string, counters stats.Counters) (string, error) {
	t := f.newWriter()
	if title != "" && !f.Markdown {
		t.SetTitle(title)
	}
	t.AppendHeader(table.Row{"Counter", "Total"})

	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum int64
	for _, name := range names {
		t.AppendRow(table.Row{name, counters[name]})
		sum += counters[name]
	}
	t.AppendFooter(table.Row{"total", sum})

	return f.render(t), nil
}

func (f *TableFormatter) newWriter() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func (f *TableFormatter) render(t table.Writer) string {
	if f.Markdown {
		return t.RenderMarkdown()
	}
	return t.Render()
}

func statusLabel(result core.DispatchResult) string {
	label := string(result.Status)
	if result.FromCache {
		label += " (cached)"
	}
	return label
}

func formatRPS(rps float64, burst int) string {
	if rps <= 0 {
		return "-"
	}
	if burst > 0 {
		return fmt.Sprintf("%g (burst %d)", rps, burst)
	}
	return fmt.Sprintf("%g", rps)
}

func headerNames(headers map[string]string) string {
	if len(headers) == 0 {
		return "-"
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func compactValue(value core.Document) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	rendered := string(data)
	if len(rendered) > maxValueWidth {
		rendered = rendered[:maxValueWidth-3] + "..."
	}
	return rendered, nil
}
