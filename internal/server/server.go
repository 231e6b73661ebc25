package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/server/handlers"
	servermw "github.com/restql/restql/internal/server/middleware"
)

// Defaults for Options.
const (
	DefaultGraphQLPath    = "/graphql"
	DefaultPlaygroundPath = "/playground"
)

// Options configures the HTTP surface.
type Options struct {
	Host string
	Port int

	// GraphQL serves the GraphQL endpoint. When nil only the operational
	// routes are mounted.
	GraphQL        http.Handler
	GraphQLPath    string
	Playground     bool
	PlaygroundPath string

	// KeyFunc derives the client key used for rate limiting.
	KeyFunc servermw.KeyFunc
	Health  *handlers.HealthManager

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	health *handlers.HealthManager
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	if opts.GraphQLPath == "" {
		opts.GraphQLPath = DefaultGraphQLPath
	}
	if opts.PlaygroundPath == "" {
		opts.PlaygroundPath = DefaultPlaygroundPath
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		// Upstream retries can outlast the default read timeout.
		opts.WriteTimeout = 120 * time.Second
	}
	health := opts.Health
	if health == nil {
		health = handlers.NewHealthManager(handlers.AppVersion)
	}

	r := chi.NewRouter()

	// RequestID → Metrics → Recovery → ClientKey. RemoteAddr is left as the
	// socket peer; KeyFunc alone decides whether forwarded headers count.
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)
	r.Use(servermw.ClientKey(opts.KeyFunc))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		opts:   opts,
		health: health,
	}

	s.registerRoutes()
	return s
}

// HandleError writes err as an error envelope. Non-envelope errors become
// INTERNAL_ERROR.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Debug("Responding with error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", servermw.GetRequestID(r.Context())),
			zap.Error(err))
	}
	apperrors.RespondWithError(w, r, err)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("addr", addr),
			zap.String("graphql", s.opts.GraphQLPath),
			zap.Bool("playground", s.opts.Playground && s.opts.GraphQL != nil))
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.opts.Port
}

func (s *Server) playgroundHandler() http.HandlerFunc {
	return playground.Handler("restql", s.opts.GraphQLPath)
}
