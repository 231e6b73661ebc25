package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/config"
	errwrap "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/gateway"
	"github.com/restql/restql/internal/metrics"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/server"
	"github.com/restql/restql/internal/server/handlers"
	servermw "github.com/restql/restql/internal/server/middleware"
)

const uptimeInterval = 15 * time.Second

var (
	serverPort int
	serverHost string
	noMetrics  bool
)

func telemetryCheck(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

func identityCheck(context.Context) error {
	identity := GetAppIdentity()
	switch {
	case identity == nil:
		return errwrap.NewConfigInvalidError("app identity not loaded")
	case identity.BinaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case identity.EnvPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case identity.ConfigName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

// serveOverrides turns explicitly set flags into config overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		setOverride(overrides, []string{"server", "host"}, serverHost)
	}
	if cmd.Flags().Changed("port") {
		setOverride(overrides, []string{"server", "port"}, serverPort)
	}
	if noMetrics {
		setOverride(overrides, []string{"metrics", "enabled"}, false)
	}
	if verbose {
		setOverride(overrides, []string{"logging", "level"}, "debug")
	}
	return overrides
}

func newHealthManager(cfg *config.Config, gw *gateway.Gateway) *handlers.HealthManager {
	hm := handlers.NewHealthManager(versionInfo.Version)
	if !cfg.Health.Enabled {
		return hm
	}
	hm.RegisterChecker("app_identity", handlers.CheckerFunc(identityCheck))
	hm.RegisterChecker("upstreams", handlers.CheckerFunc(gw.CheckUpstreams))
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", handlers.CheckerFunc(telemetryCheck))
	}
	if cfg.Stats.Enabled {
		hm.RegisterChecker("stats_redis", handlers.CheckerFunc(gw.CheckStats))
	}
	return hm
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the GraphQL gateway",
	Long: `Start the GraphQL gateway with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-validate configuration (restart to apply changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := loadConfig(cmd, serveOverrides(cmd))
		if err != nil {
			observability.CLILogger.Error("Failed to load configuration", zap.Error(err))
			return err
		}

		if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, namespace); err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "server logger initialization failed")
		}
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(namespace, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
			server.DefaultMetricsPort = observability.GetMetricsPort()
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		gw, err := gateway.New(ctx, cfg, gateway.Options{
			Logger:    logger,
			UserAgent: identity.BinaryName + "/" + versionInfo.Version,
		})
		if err != nil {
			logger.Error("Failed to build gateway", zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "gateway initialization failed")
		}
		gw.StartJanitors(ctx)

		handlers.SetAppIdentity(identity)
		srv := server.New(server.Options{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			GraphQL:        gw.Handler(),
			GraphQLPath:    cfg.GraphQL.Path,
			Playground:     cfg.GraphQL.Playground,
			PlaygroundPath: cfg.GraphQL.PlaygroundPath,
			KeyFunc:        servermw.DefaultKeyFunc(cfg.RateLimit.KeyHeader, cfg.RateLimit.TrustForwardedFor),
			Health:         newHealthManager(cfg, gw),
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
		})

		logger.Info("Initializing gateway",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Strings("upstreams", gw.Registry.Names()),
			zap.Int("rate_limit", cfg.RateLimit.Requests),
			zap.Duration("rate_window", cfg.RateLimit.Window),
			zap.Duration("cache_ttl", cfg.Cache.DefaultTTL),
			zap.Bool("stats", cfg.Stats.Enabled))

		started := time.Now()
		metrics.SetServerStartTime(started.Unix())
		go reportUptime(ctx, started)

		// Shutdown handlers run LIFO: server, gateway resources, then telemetry.
		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.ShutdownMetrics(); err != nil {
				logger.Warn("Failed to stop metrics exporter", zap.Error(err))
			}
			if err := logger.Sync(); err != nil {
				// stdout/stderr may already be closed.
				logger.Warn("Logger sync returned error", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			cancel()
			if err := gw.Close(); err != nil {
				logger.Warn("Failed to close stats backend", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			shutdownCtx, done := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: validating configuration")
			if _, err := config.Load(ctx, cfgFile, serveOverrides(cmd)); err != nil {
				logger.Error("Configuration reload failed", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			// Upstreams are frozen at startup.
			logger.Info("Configuration is valid; restart to apply changes",
				zap.String("file", config.ConfigFileUsed(ctx, cfgFile)))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 2)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			_ = gw.Close()
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}
		return nil
	},
}

func reportUptime(ctx context.Context, started time.Time) {
	ticker := time.NewTicker(uptimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			metrics.SetServerUptime(int64(now.Sub(started).Seconds()))
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 5000, "server port (overrides server.port)")
	serveCmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "disable the Prometheus exporter")
}
