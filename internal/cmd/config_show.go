package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/restql/restql/internal/config"
)

const redacted = "********"

var showSecrets bool

// redactConfig returns a copy of cfg with credentials masked.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Stats.RedisPassword != "" {
		out.Stats.RedisPassword = redacted
	}
	out.Upstreams = make([]config.UpstreamConfig, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		if len(u.Headers) > 0 {
			headers := make(map[string]string, len(u.Headers))
			for name := range u.Headers {
				headers[name] = redacted
			}
			u.Headers = headers
		}
		out.Upstreams[i] = u
	}
	return &out
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect gateway configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file, environment variables
and overrides have been applied. Header values and the Redis password are masked
unless --show-secrets is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		if !showSecrets {
			cfg = redactConfig(cfg)
		}

		out := cmd.OutOrStdout()
		if used := config.ConfigFileUsed(cmd.Context(), cfgFile); used != "" {
			fmt.Fprintf(out, "# source: %s\n", used)
		} else {
			fmt.Fprintln(out, "# source: defaults and environment")
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file that would be loaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		used := config.ConfigFileUsed(cmd.Context(), cfgFile)
		if used == "" {
			return fmt.Errorf("no config file found")
		}
		fmt.Fprintln(cmd.OutOrStdout(), used)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print header values and passwords unmasked")
}
