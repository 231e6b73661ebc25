package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/appid"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	var playgroundPath string
	if s.opts.GraphQL != nil {
		s.router.Handle(s.opts.GraphQLPath, s.opts.GraphQL)
		if s.opts.Playground {
			playgroundPath = s.opts.PlaygroundPath
			s.router.Get(playgroundPath, s.playgroundHandler())
		}
		s.router.Get("/", handlers.RootHandler(s.opts.GraphQLPath, playgroundPath))
	} else {
		s.router.Get("/", handlers.RootHandler("", ""))
	}

	s.registerAdminEndpoint()
}

// registerAdminEndpoint mounts POST /admin/signal when <PREFIX>ADMIN_TOKEN is set.
func (s *Server) registerAdminEndpoint() {
	envPrefix := appid.Resolve(context.Background()).EnvPrefix

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
