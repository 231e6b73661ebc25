package observability

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger is used by CLI commands (SIMPLE profile).
	CLILogger *logging.Logger

	// ServerLogger is used by the gateway server (STRUCTURED profile).
	ServerLogger *logging.Logger
)

// ParseLevel maps a config log level to a gofulmen severity. An empty level
// means info.
func ParseLevel(level string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "TRACE", nil
	case "debug":
		return "DEBUG", nil
	case "", "info":
		return "INFO", nil
	case "warn", "warning":
		return "WARN", nil
	case "error":
		return "ERROR", nil
	default:
		return "", fmt.Errorf("unknown log level %q", level)
	}
}

// InitCLILogger builds CLILogger. verbose lowers the level to DEBUG.
func InitCLILogger(serviceName string, verbose bool) error {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		return fmt.Errorf("init CLI logger: %w", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
	return nil
}

// ServerLoggerConfig returns the structured JSON-to-stderr profile used by
// serve. A non-empty namespace becomes a static field on every record.
func ServerLoggerConfig(serviceName, level, namespace string) (*logging.LoggerConfig, error) {
	severity, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	static := map[string]any{}
	if namespace != "" {
		static["namespace"] = namespace
	}
	return &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: severity,
		Service:      serviceName,
		Environment:  "production",
		StaticFields: static,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:    "console",
				Format:  "json",
				Console: &logging.ConsoleSinkConfig{Stream: "stderr"},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	}, nil
}

// InitServerLogger builds ServerLogger from ServerLoggerConfig.
func InitServerLogger(serviceName, level, namespace string) error {
	cfg, err := ServerLoggerConfig(serviceName, level, namespace)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return fmt.Errorf("init server logger: %w", err)
	}
	ServerLogger = logger
	return nil
}
