package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfort/fortress/internal/verifier"
)

func newVerifyCmd() *cobra.Command {
	var (
		tier          string
		enableLLM     bool
		noLLM         bool
		llmProvider   string
		startDate     string
		endDate       string
		noBacktest    bool
		noBenchmark   bool
		benchDuration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "verify IMAGE",
		Short: "Run the full verification pipeline against an agent image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := verifyOptions(tier, enableLLM && !noLLM, !noBacktest, !noBenchmark, startDate, endDate, benchDuration)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), 0, llmProvider)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.verifier.Verify(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(res)
			}
			renderResult(res)
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "medium", "verification tier (high|medium|low)")
	cmd.Flags().BoolVar(&enableLLM, "enable-llm", true, "run the LLM security judge")
	cmd.Flags().BoolVar(&noLLM, "no-llm", false, "skip the LLM security judge")
	cmd.Flags().StringVar(&llmProvider, "llm-provider", "", "override primary LLM provider (anthropic|openai|local)")
	cmd.Flags().StringVar(&startDate, "start-date", "", "backtest window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "backtest window end (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&noBacktest, "no-backtest", false, "skip the container backtest")
	cmd.Flags().BoolVar(&noBenchmark, "no-benchmark", false, "skip the performance benchmark")
	cmd.Flags().DurationVar(&benchDuration, "bench-duration", 30*time.Second, "benchmark load duration")
	return cmd
}

func newVerifyBatchCmd() *cobra.Command {
	var (
		tier          string
		enableLLM     bool
		noLLM         bool
		llmProvider   string
		maxConcurrent int
		noBacktest    bool
		noBenchmark   bool
	)

	cmd := &cobra.Command{
		Use:   "verify-batch IMAGE...",
		Short: "Verify multiple agent images concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := verifyOptions(tier, enableLLM && !noLLM, !noBacktest, !noBenchmark, "", "", 0)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), maxConcurrent, llmProvider)
			if err != nil {
				return err
			}
			defer a.Close()

			batch := a.verifier.VerifyBatch(cmd.Context(), args, opts)
			if jsonOutput() {
				return printJSON(batch)
			}
			renderBatch(batch)
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "medium", "verification tier (high|medium|low)")
	cmd.Flags().BoolVar(&enableLLM, "enable-llm", true, "run the LLM security judge")
	cmd.Flags().BoolVar(&noLLM, "no-llm", false, "skip the LLM security judge")
	cmd.Flags().StringVar(&llmProvider, "llm-provider", "", "override primary LLM provider (anthropic|openai|local)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "cap per-stage concurrency (0 uses configured limits)")
	cmd.Flags().BoolVar(&noBacktest, "no-backtest", false, "skip container backtests")
	cmd.Flags().BoolVar(&noBenchmark, "no-benchmark", false, "skip performance benchmarks")
	return cmd
}

// verifyOptions validates shared verify flags into pipeline options.
func verifyOptions(tier string, enableLLM, enableBacktest, enableBenchmark bool, startDate, endDate string, benchDuration time.Duration) (verifier.Options, error) {
	switch tier {
	case "high", "medium", "low":
	default:
		return verifier.Options{}, fmt.Errorf("invalid tier %q (want high|medium|low)", tier)
	}

	opts := verifier.Options{
		Tier:            tier,
		EnableLLM:       enableLLM,
		EnableBacktest:  enableBacktest,
		EnableBenchmark: enableBenchmark,
		BenchDuration:   benchDuration,
	}
	var err error
	if opts.BacktestStart, opts.BacktestEnd, err = parseWindow(startDate, endDate); err != nil {
		return verifier.Options{}, err
	}
	return opts, nil
}

// parseWindow parses an optional YYYY-MM-DD pair. Both-or-neither.
func parseWindow(startDate, endDate string) (time.Time, time.Time, error) {
	if startDate == "" && endDate == "" {
		return time.Time{}, time.Time{}, nil
	}
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start-date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end-date %q: %w", endDate, err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start date %s must precede end date %s", startDate, endDate)
	}
	return start.UTC(), end.UTC(), nil
}
