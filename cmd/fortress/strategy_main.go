package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentfort/fortress/internal/backtest"
	"github.com/agentfort/fortress/internal/strategy"
)

func newVerifyStrategyCmd() *cobra.Command {
	var (
		startDate string
		endDate   string
		regime    string
	)

	cmd := &cobra.Command{
		Use:   "verify-strategy IMAGE",
		Short: "Backtest an agent and verify its claimed trading strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := resolveWindow(startDate, endDate, regime)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a := &app{cfg: cfg}
			defer a.Close()

			backtester, _, err := buildBacktester(a, buildMarketStore(a))
			if err != nil {
				return err
			}

			res, err := backtester.Run(cmd.Context(), args[0], backtest.Options{Start: start, End: end})
			if err != nil {
				return err
			}
			verification := strategy.Verify(res)

			if jsonOutput() {
				return printJSON(struct {
					Image        string                 `json:"image"`
					Verification *strategy.Verification `json:"strategy_verification"`
					Backtest     *backtest.Result       `json:"backtest"`
				}{args[0], &verification, res})
			}

			ruler(fmt.Sprintf("Strategy verification — %s", args[0]))
			fmt.Printf("  detected       %s\n", verification.DetectedStrategy)
			fmt.Printf("  status         %s\n", verification.Status)
			fmt.Printf("  effectiveness  %.1f/100\n", verification.Effectiveness)
			fmt.Printf("  risk           %.1f/100\n", verification.Risk)
			fmt.Println()
			renderBacktest(res)
			return nil
		},
	}

	cmd.Flags().StringVar(&startDate, "start-date", "", "window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "window end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&regime, "regime", "", "named regime window (overrides dates)")
	return cmd
}
