package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/appid"
	"github.com/restql/restql/internal/config"
	errwrap "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/observability"
)

var (
	cfgFile string
	verbose bool

	appIdentity *appidentity.Identity

	// Set by the main package.
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the loaded app identity (only valid after initConfig)
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	// initConfig overwrites these from app identity.
	Use:   filepath.Base(os.Args[0]),
	Short: "GraphQL gateway for REST APIs",
	Long: `GraphQL gateway that resolves fields by calling upstream REST APIs.

Use the subcommands to run the server or to inspect and exercise the configured upstreams.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading from emitting metrics to stdout; serve installs the
	// real telemetry system.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	if identity, err := appid.Get(context.Background()); err == nil && identity != nil {
		appIdentity = identity
		applyIdentity(identity)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; defaults to the app config directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig loads the app identity and the CLI logger. Commands load the
// gateway configuration themselves through loadConfig.
func initConfig() {
	identity, err := appid.Get(context.Background())
	if err != nil {
		ExitWithCodeStderr(foundry.ExitFileNotFound, "Failed to load app identity", err)
	}
	appIdentity = identity
	applyIdentity(identity)

	if err := observability.InitCLILogger(appIdentity.BinaryName, verbose); err != nil {
		ExitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}
}

func applyIdentity(identity *appidentity.Identity) {
	if identity == nil {
		return
	}
	if identity.BinaryName != "" {
		rootCmd.Use = identity.BinaryName
	}
	if identity.Description != "" {
		rootCmd.Short = identity.Description
		rootCmd.Long = fmt.Sprintf("%s - %s\n\nUse the subcommands to run the server or to inspect and exercise the configured upstreams.", identity.BinaryName, identity.Description)
	}
	if f := rootCmd.PersistentFlags().Lookup("config"); f != nil && identity.ConfigName != "" {
		f.Usage = fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", identity.ConfigName)
	}
}

// loadConfig loads the effective configuration for cmd. overrides sit on top
// of the file and environment.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, cfgFile, overrides)
	if err != nil {
		return nil, errwrap.WrapConfigInvalid(ctx, err, "configuration is invalid")
	}
	if used := config.ConfigFileUsed(ctx, cfgFile); used != "" && observability.CLILogger != nil {
		observability.CLILogger.Debug("Using config file", zap.String("path", used))
	}
	return cfg, nil
}

// setOverride stores value at a dotted path in overrides.
func setOverride(overrides map[string]any, path []string, value any) {
	node := overrides
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
}
