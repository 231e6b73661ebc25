package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/core"
	errwrap "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/gateway"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/output"
)

var (
	dispatchAPI     string
	dispatchMethod  string
	dispatchBody    string
	dispatchHeaders []string
	dispatchKey     string
)

// parseHeaderFlags parses repeated "Name: value" flags.
func parseHeaderFlags(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(values))
	for _, raw := range values {
		name, value, ok := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("header %q must look like \"Name: value\"", raw)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func buildDispatchRequest(endpoint string) (core.DispatchRequest, error) {
	req := core.DispatchRequest{
		API:      strings.TrimSpace(dispatchAPI),
		Endpoint: endpoint,
		Method:   dispatchMethod,
	}
	headers, err := parseHeaderFlags(dispatchHeaders)
	if err != nil {
		return req, err
	}
	req.Headers = headers

	if strings.TrimSpace(dispatchBody) != "" {
		var body core.Document
		if err := json.Unmarshal([]byte(dispatchBody), &body); err != nil {
			return req, fmt.Errorf("body must be valid JSON: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <endpoint>",
	Short: "Send one request through the gateway pipeline",
	Long: `Send one request through the full gateway pipeline (rate limit, cache, dispatch
with retries) and print the result. The endpoint is resolved against the base URL
of --api, or of the default upstream.`,
	Example: `  restql dispatch /users/1 --api users
  restql dispatch /orders --api billing -X POST --body '{"sku":"A-1"}' -H "X-Trace: 1" -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "invalid output format")
		}
		req, err := buildDispatchRequest(args[0])
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "invalid request")
		}

		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		gw, err := gateway.New(ctx, cfg, gateway.Options{
			Logger:    observability.CLILogger,
			UserAgent: GetAppIdentity().BinaryName + "/" + versionInfo.Version,
		})
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "gateway initialization failed")
		}
		defer gw.Close() // nolint:errcheck

		result := gw.Resolve(ctx, req, dispatchKey)
		observability.CLILogger.Debug("Dispatch finished",
			zap.String("api", result.API),
			zap.String("status", string(result.Status)),
			zap.Int("attempts", result.Attempts))

		rendered, err := output.NewFormatter(format).FormatResult(req, result)
		if err != nil {
			return err
		}
		if err := writeOutput(cmd, rendered); err != nil {
			return err
		}
		if !result.OK() {
			return errwrap.FromDispatchResult(ctx, result)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	addOutputFlags(dispatchCmd)
	dispatchCmd.Flags().StringVar(&dispatchAPI, "api", "", "upstream name (defaults to the default upstream)")
	dispatchCmd.Flags().StringVarP(&dispatchMethod, "method", "X", "GET", "HTTP method")
	dispatchCmd.Flags().StringVar(&dispatchBody, "body", "", "JSON request body")
	dispatchCmd.Flags().StringArrayVarP(&dispatchHeaders, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	dispatchCmd.Flags().StringVar(&dispatchKey, "client-key", "cli", "client key charged by the rate limiter")
}
