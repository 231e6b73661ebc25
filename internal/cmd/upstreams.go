package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/gateway"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/output"
)

var upstreamsCmd = &cobra.Command{
	Use:   "upstreams",
	Short: "List configured upstream APIs",
	Long:  "List the upstream REST APIs the gateway would register, with their timeouts, retry budgets and outbound throttles. Header values are not shown.",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return errwrap.WrapInvalidInput(cmd.Context(), err, "invalid output format")
		}
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		registry, err := gateway.NewRegistry(cfg)
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid upstream configuration")
		}

		targets := registry.Targets()
		observability.CLILogger.Debug("Loaded upstreams", zap.Int("count", len(targets)))

		rendered, err := output.NewFormatter(format).FormatUpstreams(targets, registry.Default())
		if err != nil {
			return err
		}
		return writeOutput(cmd, rendered)
	},
}

func init() {
	rootCmd.AddCommand(upstreamsCmd)
	addOutputFlags(upstreamsCmd)
}
