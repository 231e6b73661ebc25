package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/config"
	errwrap "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/gateway"
	"github.com/restql/restql/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the gateway could start: version info, app identity, configuration and upstream registration.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		if err := identityCheck(cmd.Context()); err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "App identity invalid", err)
			return
		}
		logger.Info("✅ App identity loaded")

		cfg, err := config.Load(cmd.Context(), cfgFile)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid"))
			return
		}
		logger.Info("✅ Configuration valid")

		registry, err := gateway.NewRegistry(cfg)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Upstream registration failed", errwrap.WrapConfigInvalid(cmd.Context(), err, "upstream registration failed"))
			return
		}
		if len(registry.Targets()) == 0 {
			logger.Warn("⚠️  No upstreams configured; every restQuery will fail with UNKNOWN_UPSTREAM")
		} else {
			logger.Info("✅ Upstreams registered", zap.Strings("upstreams", registry.Names()))
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
