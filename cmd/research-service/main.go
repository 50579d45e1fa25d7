// research-service runs market research jobs and streams their progress
// to browser observers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"research/internal/config"
	"research/internal/logging"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	flagVerbose bool   // value of --verbose
	flagDB      string // value of jobs --db
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", config.GetBoolEnv("VERBOSE", false), "verbose logging (env: VERBOSE)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		slog.SetDefault(logging.New(os.Stdout, flagVerbose))
	}

	jobsCmd.Flags().StringVar(&flagDB, "db", "", "job database to read (default: $DATABASE_PATH)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "research-service",
	Short:         "Market research jobs with live progress and persona chat",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	RunE:  doServe,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs recorded in the database",
	RunE:  doJobs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "research-service: version info not available")
			return
		}
		fmt.Fprintf(out, "research-service: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:               %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:           %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:             %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:            %s\n", s.Value)
			}
		}
	},
}
