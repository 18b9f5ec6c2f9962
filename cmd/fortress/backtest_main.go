package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfort/fortress/internal/backtest"
	"github.com/agentfort/fortress/internal/marketdata"
)

func newBacktestCmd() *cobra.Command {
	var (
		startDate    string
		endDate      string
		strategyHint string
		regime       string
		useRealData  bool
		useMockData  bool
	)

	cmd := &cobra.Command{
		Use:   "backtest IMAGE",
		Short: "Replay historical market data through an agent container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strategyHint {
			case "", "arbitrage", "momentum", "market_making":
			default:
				return fmt.Errorf("invalid --strategy %q (want arbitrage|momentum|market_making)", strategyHint)
			}
			if useRealData && useMockData {
				return fmt.Errorf("--use-real-data and --use-mock-data are mutually exclusive")
			}

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

			market, cleanup, err := marketSource(a, useMockData, "")
			if err != nil {
				return err
			}
			defer cleanup()

			backtester, _, err := buildBacktester(a, market)
			if err != nil {
				return err
			}

			res, err := backtester.Run(cmd.Context(), args[0], backtest.Options{
				Start:        start,
				End:          end,
				StrategyHint: strategyHint,
			})
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(res)
			}
			renderBacktest(res)
			return nil
		},
	}

	cmd.Flags().StringVar(&startDate, "start-date", "", "window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "window end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&strategyHint, "strategy", "", "expected strategy (arbitrage|momentum|market_making)")
	cmd.Flags().StringVar(&regime, "regime", "", "named regime window (overrides dates)")
	cmd.Flags().BoolVar(&useRealData, "use-real-data", true, "replay cached/downloaded exchange archives")
	cmd.Flags().BoolVar(&useMockData, "use-mock-data", false, "replay deterministic synthetic data")
	return cmd
}

// resolveWindow turns either a named regime or a date pair into a
// backtest window.
func resolveWindow(startDate, endDate, regime string) (time.Time, time.Time, error) {
	if regime != "" {
		if startDate != "" || endDate != "" {
			return time.Time{}, time.Time{}, fmt.Errorf("--regime and explicit dates are mutually exclusive")
		}
		r, err := marketdata.RegimeByName(regime)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return r.Start, r.End, nil
	}
	return parseWindow(startDate, endDate)
}

// marketSource picks the real store or a synthetic one backed by a
// throwaway cache dir. cleanup removes the synthetic cache.
func marketSource(a *app, mock bool, scenario string) (backtest.MarketSource, func(), error) {
	if !mock {
		return buildMarketStore(a), func() {}, nil
	}
	dir, err := os.MkdirTemp("", "fortress-synth-*")
	if err != nil {
		return nil, nil, fmt.Errorf("synthetic cache dir: %w", err)
	}
	store := marketdata.NewStore(dir, &syntheticFetcher{scenario: scenario}, nil)
	return store, func() { os.RemoveAll(dir) }, nil
}

func renderBacktest(res *backtest.Result) {
	ruler(fmt.Sprintf("Backtest — %s (%s to %s)", res.AgentID,
		res.StartDate.Format("2006-01-02"), res.EndDate.Format("2006-01-02")))

	m := res.Metrics
	fmt.Printf("  capital      %.2f -> %.2f (%.2f%% return)\n",
		res.InitialCapital, res.FinalCapital, m.TotalReturn*100)
	fmt.Printf("  trades       %d (win rate %.1f%%, profit factor %s)\n",
		m.TotalTrades, m.WinRate*100, formatRatio(m.ProfitFactor))
	fmt.Printf("  risk         sharpe %.2f  sortino %.2f  max drawdown %.2f%%  calmar %.2f\n",
		m.SharpeRatio, m.SortinoRatio, m.MaxDrawdown*100, m.CalmarRatio)
	fmt.Printf("  strategy     %s\n", res.StrategyHint)
	fmt.Printf("  data         %.0f%% coverage over %d hours\n",
		res.DataQuality.DataCoverage*100, res.DataQuality.TotalHours)

	if len(res.ByRegime) > 0 {
		fmt.Println("  regimes:")
		for name, r := range res.ByRegime {
			fmt.Printf("    %-14s %4d trades, pnl %+.2f, annualized %+.2f%%\n",
				name, r.Trades, r.PnL, r.AnnualizedReturn*100)
		}
	}
	for _, w := range res.Warnings {
		fmt.Printf("  warning      %s\n", w)
	}
}

func formatRatio(v float64) string {
	if v > 1e6 {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}
