package cmd

import (
	"github.com/spf13/cobra"

	errwrap "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/gateway"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/output"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show recorded gateway counters",
	Long: `Show lifetime rate-limit and dispatch counters recorded in Redis.
Requires stats.enabled and a reachable stats.redis_addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "invalid output format")
		}
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		if !cfg.Stats.Enabled {
			return errwrap.WrapConfigInvalid(ctx, gateway.ErrStatsDisabled, "set stats.enabled to read counters")
		}

		gw, err := gateway.New(ctx, cfg, gateway.Options{Logger: observability.CLILogger})
		if err != nil {
			return errwrap.WrapUpstream(ctx, err, "stats backend unavailable")
		}
		defer gw.Close() // nolint:errcheck

		totals, err := gw.Totals(ctx)
		if err != nil {
			return errwrap.WrapUpstream(ctx, err, "read stats")
		}
		rendered, err := output.NewFormatter(format).FormatCounters(cfg.Stats.Prefix, totals)
		if err != nil {
			return err
		}
		return writeOutput(cmd, rendered)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	addOutputFlags(statsCmd)
}
