package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentfort/fortress/internal/config"
	flog "github.com/agentfort/fortress/internal/log"
)

const (
	appName = "fortress"
	version = "v1.4.0"
)

var (
	flagConfig   string
	flagLogLevel string
	flagOutput   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Verify autonomous trading agent containers before they touch capital",
		Version: version,
		Long: `Fortress verifies agent container images: vulnerability scan, TEE
attestation, sandboxed backtest against replayed market data, strategy
verification, and LLM security review, combined into a bounded Fort
Score with a PASSED/WARNING/FAILED verdict.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			flog.Setup(flagLogLevel, term.IsTerminal(int(os.Stderr.Fd())))
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default: ~/.fortress/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagOutput, "output", "auto", "output mode (auto|terminal|json)")

	rootCmd.AddCommand(
		newVerifyCmd(),
		newVerifyBatchCmd(),
		newVerifyStrategyCmd(),
		newScanCmd(),
		newBenchmarkCmd(),
		newBacktestCmd(),
		newSimulateCmd(),
		newAuditListCmd(),
		newInitCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for a command run.
func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

// jsonOutput decides whether structured output was requested, falling
// back to TTY detection in auto mode.
func jsonOutput() bool {
	switch flagOutput {
	case "json":
		return true
	case "terminal":
		return false
	default:
		return !term.IsTerminal(int(os.Stdout.Fd()))
	}
}
