// Package output renders CLI results as tables, markdown or JSON.
package output

import (
	"fmt"
	"strings"

	"github.com/restql/restql/internal/core"
	"github.com/restql/restql/internal/stats"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders gateway data for the CLI.
type Formatter interface {
	FormatUpstreams(targets []core.Target, defaultName string) (string, error)
	FormatResult(req core.DispatchRequest, result core.DispatchResult) (string, error)
	FormatCounters(title string, counters stats.Counters) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &TableFormatter{Markdown: true}
	default:
		return &TableFormatter{}
	}
}
