package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes surfaced to batch and CI callers
const (
	exitBuildFailure  = 2
	exitRunFailure    = 3
	exitInvalidConfig = 4
)

// exitCodeError carries a specific process exit code up to main
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitWithCode(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errdefs.IsConfiguration(err) || errdefs.IsManifestNotFound(err) {
		return exitInvalidConfig
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "gridbench",
	Short: "Gridbench - Distributed container benchmark orchestrator",
	Long: `Gridbench builds benchmark container images, hands them off through
a build manifest, and executes them across a fleet of nodes over SSH,
pre-rendered playbooks, or a Kubernetes cluster.

The build and run phases are decoupled: build once anywhere, run the
manifest against any fleet.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go func() {
				if err := metrics.NewServer(Version).Start(addr); err != nil {
					log.Logger.Warn().Err(err).Msg("metrics server stopped")
				}
			}()
		}
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gridbench version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address during execution")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(runnersCmd)
}
