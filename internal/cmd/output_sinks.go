package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/restql/restql/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output-format", "o", "table", "output format: table, markdown or json")
	cmd.Flags().String("out", "", "write output to a file instead of stdout")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// openSink opens path for writing; an empty path or "-" selects cmd's
// stdout.
func openSink(cmd *cobra.Command, path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: cmd.OutOrStdout(), close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

// writeOutput writes rendered to the sink selected by --out.
func writeOutput(cmd *cobra.Command, rendered string) error {
	path, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	sink, err := openSink(cmd, path)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	if _, err := io.WriteString(sink.writer, rendered); err != nil {
		_ = sink.close()
		return err
	}
	return sink.close()
}
