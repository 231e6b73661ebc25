package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var (
	extended    bool
	versionJSON bool
)

type versionReport struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Go        string `json:"go"`
	Gofulmen  string `json:"gofulmen"`
	Crucible  string `json:"crucible"`
}

func currentVersion() versionReport {
	deps := crucible.GetVersion()
	return versionReport{
		Name:      GetAppIdentity().BinaryName,
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		Go:        runtime.Version(),
		Gofulmen:  deps.Gofulmen,
		Crucible:  deps.Crucible,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for build, Go, Gofulmen and Crucible details.",
	RunE: func(cmd *cobra.Command, args []string) error {
		report := currentVersion()
		out := cmd.OutOrStdout()

		if versionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Fprintf(out, "%s %s\n", report.Name, report.Version)
		if extended {
			fmt.Fprintf(out, "Commit: %s\n", report.Commit)
			fmt.Fprintf(out, "Built: %s\n", report.BuildDate)
			fmt.Fprintf(out, "Go: %s\n\n", report.Go)
			fmt.Fprintf(out, "Gofulmen: %s\n", report.Gofulmen)
			fmt.Fprintf(out, "Crucible: %s\n", report.Crucible)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version information as JSON")
}
