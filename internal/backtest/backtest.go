// Package backtest runs agent containers against replayed historical
// market data and turns their emitted trade stream into performance
// metrics. The container is the only execution vehicle; no simulated
// in-process path exists.
package backtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfort/fortress/internal/config"
	"github.com/agentfort/fortress/internal/marketdata"
)

var (
	// ErrImageNotFound aborts the whole pipeline; nothing downstream is
	// meaningful without a loadable image.
	ErrImageNotFound = errors.New("backtest: image not found")
	// ErrAgentProducedNoTrades fails the run when the container exits
	// without emitting a single parseable trade line.
	ErrAgentProducedNoTrades = errors.New("backtest: agent produced no trades")
)

// Trade is one parsed line of the agent's stdout trade stream.
type Trade struct {
	Timestamp time.Time `json:"timestamp"`
	Pair      string    `json:"pair"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	PnL       *float64  `json:"pnl,omitempty"`
	Signal    string    `json:"signal,omitempty"`
}

// PerformanceMetrics are derived deterministically from the trade
// sequence and the matching hourly price series.
type PerformanceMetrics struct {
	TotalReturn        float64 `json:"total_return"`
	AnnualizedReturn   float64 `json:"annualized_return"`
	SharpeRatio        float64 `json:"sharpe_ratio"`
	SortinoRatio       float64 `json:"sortino_ratio"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	CalmarRatio        float64 `json:"calmar_ratio"`
	WinRate            float64 `json:"win_rate"`
	ProfitFactor       float64 `json:"profit_factor"`
	TotalTrades        int     `json:"total_trades"`
	AvgTradeDuration   float64 `json:"avg_trade_duration_hours"`
	RiskAdjustedReturn float64 `json:"risk_adjusted_return"`
}

// RegimePerformance aggregates trades inside one named regime window.
type RegimePerformance struct {
	Trades           int     `json:"trades"`
	PnL              float64 `json:"pnl"`
	Hours            int     `json:"hours"`
	AnnualizedReturn float64 `json:"annualized_return"`
}

// DataQuality reports coverage for the replayed window.
type DataQuality struct {
	TotalHours   int     `json:"total_hours"`
	MissingData  int     `json:"missing_data"`
	DataCoverage float64 `json:"data_coverage"`
}

// Result is the backtest output for one agent.
type Result struct {
	AgentID        string                       `json:"agent_id"`
	StartDate      time.Time                    `json:"start_date"`
	EndDate        time.Time                    `json:"end_date"`
	InitialCapital float64                      `json:"initial_capital"`
	FinalCapital   float64                      `json:"final_capital"`
	Metrics        PerformanceMetrics           `json:"metrics"`
	ByRegime       map[string]RegimePerformance `json:"regime_performance"`
	Trades         []Trade                      `json:"trades"`
	StrategyHint   string                       `json:"strategy_type"`
	DataQuality    DataQuality                  `json:"data_quality"`
	Warnings       []string                     `json:"warnings,omitempty"`
}

// maxReportedTrades bounds the trades carried in the result payload.
const maxReportedTrades = 100

// MarketSource supplies the replay snapshot and the pricing series.
// *marketdata.Store satisfies it.
type MarketSource interface {
	Materialize(ctx context.Context, dir string, symbols []string, start, end time.Time, interval string) (marketdata.CoverageStats, error)
	Fetch(ctx context.Context, symbols []string, start, end time.Time, interval string) (map[string][]marketdata.Candle, marketdata.CoverageStats, error)
}

// Options parameterize one run.
type Options struct {
	Start        time.Time
	End          time.Time
	StrategyHint string // optional; inferred from the image name when empty
	BacktestMode bool   // true applies the short hard timeout
}

// Backtester executes agent containers over replayed market data.
type Backtester struct {
	runtime ContainerRuntime
	market  MarketSource
	cfg     config.BacktestConfig
}

// New creates a backtester over the given runtime and market source.
func New(runtime ContainerRuntime, market MarketSource, cfg config.BacktestConfig) *Backtester {
	return &Backtester{runtime: runtime, market: market, cfg: cfg}
}

// Run replays the configured window through the agent container and
// computes metrics from its trade stream.
func (b *Backtester) Run(ctx context.Context, imageRef string, opts Options) (*Result, error) {
	exists, err := b.runtime.ImageExists(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("backtest: check image: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageRef)
	}

	start, end := opts.Start, opts.End
	if start.IsZero() || end.IsZero() {
		start, end, err = b.defaultWindow()
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		AgentID:        imageRef,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: b.cfg.InitialCapital,
		StrategyHint:   opts.StrategyHint,
	}
	if result.StrategyHint == "" {
		result.StrategyHint = strategyHintFromImage(imageRef)
	}

	dataDir, err := os.MkdirTemp("", "fortress-replay-*")
	if err != nil {
		return nil, fmt.Errorf("backtest: snapshot dir: %w", err)
	}
	defer os.RemoveAll(dataDir)

	if _, err := b.market.Materialize(ctx, dataDir, b.cfg.Symbols, start, end, "1m"); err != nil {
		if errors.Is(err, marketdata.ErrInsufficientData) {
			return nil, err
		}
		// Partial snapshot: the agent decides what it can do with it.
		result.Warnings = append(result.Warnings, "market data snapshot incomplete: "+err.Error())
	}

	timeout := b.cfg.RunTimeout
	if opts.BacktestMode {
		timeout = b.cfg.BacktestTimeout
	}

	spec := RunSpec{
		Image: imageRef,
		Env: []string{
			"BACKTEST_MODE=true",
			"START_DATE=" + start.Format("2006-01-02"),
			"END_DATE=" + end.Format("2006-01-02"),
			fmt.Sprintf("INITIAL_CAPITAL=%.2f", b.cfg.InitialCapital),
			"REPLAY_SPEED=max",
		},
		DataDir:  dataDir,
		Memory:   b.cfg.MemoryBytes,
		NanoCPUs: b.cfg.NanoCPUs,
		Timeout:  timeout,
	}

	var stdout bytes.Buffer
	status, err := b.runtime.Run(ctx, spec, &stdout)
	if err != nil {
		return nil, fmt.Errorf("backtest: run container: %w", err)
	}

	trades := ParseTrades(&stdout)
	if len(trades) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentProducedNoTrades, imageRef)
	}
	if status.TimedOut {
		result.Warnings = append(result.Warnings, fmt.Sprintf("agent hit %s timeout; result is partial", timeout))
	} else if status.ExitCode != 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("agent exited with code %d; result is partial", status.ExitCode))
	}

	result.FinalCapital = b.cfg.InitialCapital
	for _, t := range trades {
		if t.PnL != nil {
			result.FinalCapital += *t.PnL
		}
	}

	prices, priceStats, err := b.market.Fetch(ctx, b.cfg.Symbols[:1], start, end, "1h")
	if err != nil && !errors.Is(err, marketdata.ErrInsufficientData) {
		return nil, fmt.Errorf("backtest: price series: %w", err)
	}
	series := prices[b.cfg.Symbols[0]]

	result.Metrics = ComputeMetrics(trades, result.InitialCapital, result.FinalCapital, len(series))
	result.ByRegime = regimeAggregates(trades, result.InitialCapital, start, end)
	result.DataQuality = DataQuality{
		TotalHours:   priceStats.TotalHours,
		MissingData:  priceStats.MissingData,
		DataCoverage: priceStats.Coverage,
	}

	if len(trades) > maxReportedTrades {
		trades = trades[:maxReportedTrades]
	}
	result.Trades = trades

	log.Info().
		Str("image", imageRef).
		Int("trades", result.Metrics.TotalTrades).
		Float64("final_capital", result.FinalCapital).
		Msg("backtest complete")
	return result, nil
}

func (b *Backtester) defaultWindow() (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", b.cfg.DefaultStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest: default start date: %w", err)
	}
	end, err := time.Parse("2006-01-02", b.cfg.DefaultEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest: default end date: %w", err)
	}
	return start.UTC(), end.UTC(), nil
}

func strategyHintFromImage(imageRef string) string {
	ref := strings.ToLower(imageRef)
	switch {
	case strings.Contains(ref, "arbitrage"):
		return "arbitrage"
	case strings.Contains(ref, "momentum"):
		return "momentum"
	case strings.Contains(ref, "market") && strings.Contains(ref, "mak"):
		return "market_making"
	default:
		return "unknown"
	}
}
