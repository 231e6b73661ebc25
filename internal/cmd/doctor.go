package cmd

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/restql/restql/internal/config"
	"github.com/restql/restql/internal/core"
	errwrap "github.com/restql/restql/internal/errors"
	"github.com/restql/restql/internal/gateway"
	"github.com/restql/restql/internal/observability"
	"github.com/restql/restql/internal/stats"
)

const defaultProbeTimeout = 5 * time.Second

var probeTimeout time.Duration

// probeResult is the outcome of contacting one upstream base URL.
type probeResult struct {
	Name       string
	URL        string
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Reachable reports whether the upstream answered without a server error.
func (p probeResult) Reachable() bool {
	return p.Err == nil && p.StatusCode < http.StatusInternalServerError
}

func (p probeResult) String() string {
	switch {
	case p.Err != nil:
		return fmt.Sprintf("%s: unreachable (%v)", p.Name, p.Err)
	case !p.Reachable():
		return fmt.Sprintf("%s: HTTP %d in %s", p.Name, p.StatusCode, p.Latency.Round(time.Millisecond))
	default:
		return fmt.Sprintf("%s: ok, HTTP %d in %s", p.Name, p.StatusCode, p.Latency.Round(time.Millisecond))
	}
}

// probeUpstream sends HEAD to the target's base URL, falling back to GET
// when HEAD is not allowed. Configured headers are sent.
func probeUpstream(ctx context.Context, client *http.Client, target core.Target, timeout time.Duration) probeResult {
	result := probeResult{Name: target.Name, URL: target.BaseURL}
	if target.Timeout > 0 && (timeout <= 0 || target.Timeout < timeout) {
		timeout = target.Timeout
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, target.BaseURL, nil)
		if err != nil {
			result.Err = err
			return result
		}
		for name, value := range target.Headers {
			req.Header.Set(name, value)
		}
		resp, err := client.Do(req)
		if err != nil {
			result.Err = err
			result.Latency = time.Since(started)
			return result
		}
		_ = resp.Body.Close()
		result.StatusCode = resp.StatusCode
		if resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotImplemented {
			break
		}
	}
	result.Latency = time.Since(started)
	return result
}

// doctorReport collects check lines for the summary box.
type doctorReport struct {
	total  int
	step   int
	ok     bool
	issues []string
}

func (r *doctorReport) pass(check, detail string, fields ...zap.Field) {
	r.step++
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] %s... ✅ %s", r.step, r.total, check, detail), fields...)
}

func (r *doctorReport) fail(check, detail string, fields ...zap.Field) {
	r.step++
	r.ok = false
	r.issues = append(r.issues, fmt.Sprintf("%s: %s", check, detail))
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] %s... ❌ %s", r.step, r.total, check, detail), fields...)
}

func (r *doctorReport) box(title string, lines []string) string {
	body := []string{title, ""}
	body = append(body, lines...)
	if len(r.issues) > 0 {
		body = append(body, "", "Issues:")
		for _, issue := range r.issues {
			body = append(body, "  - "+issue)
		}
	}
	return ascii.DrawBox(strings.Join(body, "\n"), 0)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Validate the configuration, probe every upstream base URL and check the stats backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		report := &doctorReport{total: 4, ok: true}

		goVersion := runtime.Version()
		version := crucible.GetVersion()
		if version.Gofulmen != "" {
			report.pass("Checking runtime", fmt.Sprintf("%s, gofulmen %s", goVersion, version.Gofulmen),
				zap.String("go_version", goVersion))
		} else {
			report.fail("Checking runtime", "gofulmen version unavailable")
		}

		cfg, err := config.Load(ctx, cfgFile)
		if err != nil {
			report.fail("Checking configuration", err.Error(), zap.Error(err))
			fmt.Fprint(cmd.OutOrStdout(), report.box("Doctor", nil))
			return errwrap.WrapConfigInvalid(ctx, err, "configuration is invalid")
		}
		source := config.ConfigFileUsed(ctx, cfgFile)
		if source == "" {
			source = "defaults and environment"
		}
		report.pass("Checking configuration", source, zap.String("config_file", source))

		registry, err := gateway.NewRegistry(cfg)
		var lines []string
		switch {
		case err != nil:
			report.fail("Probing upstreams", err.Error())
		case len(registry.Targets()) == 0:
			report.fail("Probing upstreams", "no upstreams configured")
		default:
			client := &http.Client{}
			reachable := 0
			for _, target := range registry.Targets() {
				probe := probeUpstream(ctx, client, target, probeTimeout)
				lines = append(lines, probe.String())
				if probe.Reachable() {
					reachable++
				}
				observability.CLILogger.Debug("Probed upstream",
					zap.String("api", probe.Name),
					zap.String("url", probe.URL),
					zap.Int("status", probe.StatusCode),
					zap.Duration("latency", probe.Latency),
					zap.Error(probe.Err))
			}
			detail := fmt.Sprintf("%d/%d reachable", reachable, len(lines))
			if reachable == len(lines) {
				report.pass("Probing upstreams", detail)
			} else {
				report.fail("Probing upstreams", detail)
			}
		}

		if cfg.Stats.Enabled {
			statsCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
			rdb, err := stats.Dial(statsCtx, stats.RedisConfig{
				Addr:     cfg.Stats.RedisAddr,
				Password: cfg.Stats.RedisPassword,
				DB:       cfg.Stats.RedisDB,
			})
			cancel()
			if err != nil {
				report.fail("Checking stats backend", err.Error())
			} else {
				_ = rdb.Close()
				report.pass("Checking stats backend", cfg.Stats.RedisAddr)
			}
		} else {
			report.pass("Checking stats backend", "disabled")
		}

		fmt.Fprint(cmd.OutOrStdout(), report.box("Upstreams", lines))
		if !report.ok {
			return errwrap.NewUpstreamError(fmt.Sprintf("%d check(s) failed", len(report.issues)))
		}
		observability.CLILogger.Info("✅ All checks passed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().DurationVar(&probeTimeout, "timeout", defaultProbeTimeout, "per-upstream probe timeout")
}
