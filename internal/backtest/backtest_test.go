package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfort/fortress/internal/config"
	"github.com/agentfort/fortress/internal/marketdata"
)

type fakeRuntime struct {
	exists   bool
	stdout   string
	status   RunStatus
	lastSpec RunSpec
}

func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeRuntime) Run(_ context.Context, spec RunSpec, stdout io.Writer) (RunStatus, error) {
	f.lastSpec = spec
	_, err := io.WriteString(stdout, f.stdout)
	return f.status, err
}

type fakeMarket struct{}

func (fakeMarket) Materialize(context.Context, string, []string, time.Time, time.Time, string) (marketdata.CoverageStats, error) {
	return marketdata.CoverageStats{Coverage: 1.0}, nil
}

func (fakeMarket) Fetch(_ context.Context, symbols []string, start, end time.Time, _ string) (map[string][]marketdata.Candle, marketdata.CoverageStats, error) {
	hours := int(end.Sub(start).Hours())
	candles := make([]marketdata.Candle, hours)
	for i := range candles {
		candles[i] = marketdata.Candle{Timestamp: start.Add(time.Duration(i) * time.Hour)}
	}
	return map[string][]marketdata.Candle{symbols[0]: candles},
		marketdata.CoverageStats{TotalHours: hours, Coverage: 1.0}, nil
}

func testConfig() config.BacktestConfig {
	return config.BacktestConfig{
		InitialCapital:  100000,
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		DefaultStart:    "2024-05-01",
		DefaultEnd:      "2024-05-07",
		BacktestTimeout: 30 * time.Second,
		RunTimeout:      300 * time.Second,
		MemoryBytes:     1 << 30,
		NanoCPUs:        500_000_000,
	}
}

func tradeJSON(ts time.Time, action string, pnl float64) string {
	return fmt.Sprintf(`{"timestamp":%q,"action":%q,"symbol":"BTCUSDT","side":"buy","price":62000,"amount":0.1,"pnl":%g}`,
		ts.Format(time.RFC3339), action, pnl)
}

func TestRunAccumulatesPnL(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stdout := strings.Join([]string{
		`starting agent`,
		tradeJSON(base, "arbitrage_buy", 120),
		`{"level":"info","msg":"heartbeat"}`,
		tradeJSON(base.Add(10*time.Minute), "arbitrage_sell", -20),
		tradeJSON(base.Add(20*time.Minute), "arbitrage_buy", 55),
	}, "\n")

	runtime := &fakeRuntime{exists: true, stdout: stdout}
	bt := New(runtime, fakeMarket{}, testConfig())

	res, err := bt.Run(context.Background(), "acme/arbitrage-bot:v1", Options{BacktestMode: true})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Metrics.TotalTrades)
	assert.InDelta(t, 100155.0, res.FinalCapital, 1e-9)
	assert.Equal(t, "arbitrage", res.StrategyHint)
	assert.Empty(t, res.Warnings)

	// Env contract the agent container relies on.
	env := strings.Join(runtime.lastSpec.Env, " ")
	assert.Contains(t, env, "BACKTEST_MODE=true")
	assert.Contains(t, env, "START_DATE=2024-05-01")
	assert.Contains(t, env, "END_DATE=2024-05-07")
	assert.Contains(t, env, "REPLAY_SPEED=max")
	assert.Equal(t, 30*time.Second, runtime.lastSpec.Timeout)
	assert.Equal(t, int64(1<<30), runtime.lastSpec.Memory)
}

func TestRunImageNotFound(t *testing.T) {
	bt := New(&fakeRuntime{exists: false}, fakeMarket{}, testConfig())
	_, err := bt.Run(context.Background(), "missing:latest", Options{})
	assert.True(t, errors.Is(err, ErrImageNotFound))
}

func TestRunNoTradesFails(t *testing.T) {
	runtime := &fakeRuntime{exists: true, stdout: "hello\nnot json\n{\"action\":\"noop\"}\n"}
	bt := New(runtime, fakeMarket{}, testConfig())

	_, err := bt.Run(context.Background(), "agent:v1", Options{})
	assert.True(t, errors.Is(err, ErrAgentProducedNoTrades))
}

func TestRunTimeoutIsPartialNotFatal(t *testing.T) {
	base := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	runtime := &fakeRuntime{
		exists: true,
		stdout: tradeJSON(base, "momentum_entry", 40) + "\n",
		status: RunStatus{TimedOut: true},
	}
	bt := New(runtime, fakeMarket{}, testConfig())

	res, err := bt.Run(context.Background(), "agent:v1", Options{BacktestMode: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "timeout")
	assert.Equal(t, 1, res.Metrics.TotalTrades)
}

func TestRunNonZeroExitIsPartial(t *testing.T) {
	base := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	runtime := &fakeRuntime{
		exists: true,
		stdout: tradeJSON(base, "momentum_exit", 10) + "\n",
		status: RunStatus{ExitCode: 137},
	}
	bt := New(runtime, fakeMarket{}, testConfig())

	res, err := bt.Run(context.Background(), "agent:v1", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "exited with code 137")
}

func TestRunTruncatesReportedTrades(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, tradeJSON(base.Add(time.Duration(i)*time.Minute), "market_making_fill", 1))
	}
	runtime := &fakeRuntime{exists: true, stdout: strings.Join(lines, "\n")}
	bt := New(runtime, fakeMarket{}, testConfig())

	res, err := bt.Run(context.Background(), "agent:v1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 150, res.Metrics.TotalTrades)
	assert.Len(t, res.Trades, 100)
	assert.InDelta(t, 100150.0, res.FinalCapital, 1e-9)
}

func TestParseTradesFiltersAndOrders(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	input := strings.Join([]string{
		tradeJSON(base, "arbitrage_buy", 5),
		`{"action":"status_report","healthy":true}`,
		"plain log line",
		tradeJSON(base.Add(time.Minute), "arbitrage_sell", 7),
		`{"timestamp":"garbage","action":"arbitrage_buy"}`,
	}, "\n")

	trades := ParseTrades(strings.NewReader(input))
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Timestamp.Before(trades[1].Timestamp))
	assert.Equal(t, "BTCUSDT", trades[0].Pair)
	assert.Equal(t, "arbitrage_buy", trades[0].Signal)
}

func TestComputeMetricsProfitFactorInfinity(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	pnl := func(v float64) *float64 { return &v }
	trades := []Trade{
		{Timestamp: base, PnL: pnl(100)},
		{Timestamp: base.Add(time.Hour), PnL: pnl(50)},
	}

	m := ComputeMetrics(trades, 100000, 100150, 48)
	assert.True(t, math.IsInf(m.ProfitFactor, 1))
	assert.Equal(t, 1.0, m.WinRate)
	assert.LessOrEqual(t, m.MaxDrawdown, 0.0)
}

func TestComputeMetricsDrawdownNonpositive(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	pnl := func(v float64) *float64 { return &v }
	trades := []Trade{
		{Timestamp: base, PnL: pnl(500)},
		{Timestamp: base.Add(time.Hour), PnL: pnl(-800)},
		{Timestamp: base.Add(2 * time.Hour), PnL: pnl(200)},
	}

	m := ComputeMetrics(trades, 100000, 99900, 72)
	assert.Less(t, m.MaxDrawdown, 0.0)
	assert.Greater(t, m.ProfitFactor, 0.0)
	assert.False(t, math.IsInf(m.ProfitFactor, 1))
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-9)
}

func TestComputeMetricsMissingPnLCountsButContributesZero(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	pnl := func(v float64) *float64 { return &v }
	trades := []Trade{
		{Timestamp: base, PnL: pnl(100)},
		{Timestamp: base.Add(time.Hour)}, // no PnL
	}

	m := ComputeMetrics(trades, 100000, 100100, 24)
	assert.Equal(t, 2, m.TotalTrades)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
}

func TestRegimeAggregates(t *testing.T) {
	// Window straddles bull (Jan-Mar) and bear (Apr) 2024.
	start := time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	pnl := func(v float64) *float64 { return &v }
	trades := []Trade{
		{Timestamp: time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC), PnL: pnl(100)},
		{Timestamp: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC), PnL: pnl(-50)},
		{Timestamp: time.Date(2024, 4, 1, 13, 0, 0, 0, time.UTC), PnL: pnl(30)},
	}

	agg := regimeAggregates(trades, 100000, start, end)
	require.Contains(t, agg, "bull_2024")
	require.Contains(t, agg, "bear_2024")
	assert.Equal(t, 1, agg["bull_2024"].Trades)
	assert.InDelta(t, 100.0, agg["bull_2024"].PnL, 1e-9)
	assert.Equal(t, 2, agg["bear_2024"].Trades)
	assert.InDelta(t, -20.0, agg["bear_2024"].PnL, 1e-9)
}

func TestDrainCopyForcesStuckCopier(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var buf strings.Builder
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&buf, pr)
		copyDone <- err
	}()

	// The copier is blocked on an open stream; drainCopy must close it
	// and wait, so the destination is quiescent when it returns.
	done := make(chan struct{})
	go func() {
		drainCopy(copyDone, pr, 20*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drainCopy did not shut the copier down")
	}
}

func TestDrainCopyReturnsWhenCopierFinished(t *testing.T) {
	copyDone := make(chan error, 1)
	copyDone <- nil

	start := time.Now()
	drainCopy(copyDone, io.NopCloser(strings.NewReader("")), 5*time.Second)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMetricsMarshalBoundlessProfitFactor(t *testing.T) {
	m := PerformanceMetrics{WinRate: 1, ProfitFactor: math.Inf(1)}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"profit_factor":null`)
	assert.Contains(t, string(data), `"win_rate":1`)

	m.ProfitFactor = 1.5
	data, err = json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"profit_factor":1.5`)
}
