package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/config"
	"github.com/restql/restql/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		identity := GetAppIdentity()
		version := crucible.GetVersion()

		logger.Info("=== " + identity.BinaryName + " environment ===")
		logger.Info("")

		logger.Info("Application:")
		logger.Info("  Name:       " + identity.BinaryName)
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("  Env Prefix: " + identity.EnvPrefix)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  Platform:   "+runtime.GOOS+"/"+runtime.GOARCH, zap.String("goos", runtime.GOOS), zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := config.Load(cmd.Context(), cfgFile)
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return
		}
		source := config.ConfigFileUsed(cmd.Context(), cfgFile)
		if source == "" {
			source = "(none)"
		}

		logger.Info("Configuration:")
		logger.Info("  Config File:  " + source)
		logger.Info(fmt.Sprintf("  Listen:       %s:%d", cfg.Server.Host, cfg.Server.Port))
		logger.Info("  Log Level:    " + cfg.Logging.Level)
		logger.Info(fmt.Sprintf("  Metrics:      %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		logger.Info(fmt.Sprintf("  Rate Limit:   %d per %s (%s)", cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Strategy))
		logger.Info("  Cache TTL:    " + cfg.Cache.DefaultTTL.String())
		logger.Info(fmt.Sprintf("  Retry:        base %s, max %s, %s jitter", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter))
		logger.Info(fmt.Sprintf("  GraphQL:      %s (playground %t)", cfg.GraphQL.Path, cfg.GraphQL.Playground))
		logger.Info(fmt.Sprintf("  Stats:        %t", cfg.Stats.Enabled))
		logger.Info("")

		logger.Info(fmt.Sprintf("Upstreams (%d):", len(cfg.Upstreams)))
		for _, u := range cfg.Upstreams {
			marker := ""
			if u.Name == cfg.DefaultUpstream {
				marker = " (default)"
			}
			logger.Info(fmt.Sprintf("  %s%s: %s", u.Name, marker, u.BaseURL),
				zap.String("api", u.Name), zap.String("base_url", u.BaseURL))
		}
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
