package backtest

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/agentfort/fortress/internal/marketdata"
)

// MarshalJSON renders a boundless profit factor (no losing trades) as
// null, since JSON has no infinity.
func (m PerformanceMetrics) MarshalJSON() ([]byte, error) {
	type alias PerformanceMetrics
	out := struct {
		alias
		ProfitFactor *float64 `json:"profit_factor"`
	}{alias: alias(m)}
	if !math.IsInf(m.ProfitFactor, 0) && !math.IsNaN(m.ProfitFactor) {
		pf := m.ProfitFactor
		out.ProfitFactor = &pf
	}
	return json.Marshal(out)
}

// hoursPerYear is the ACT/365 annualization base.
const hoursPerYear = 8760.0

// ComputeMetrics derives performance metrics from the trade sequence
// and the length of the hourly price series covering the same window.
func ComputeMetrics(trades []Trade, initial, final float64, hours int) PerformanceMetrics {
	m := PerformanceMetrics{TotalTrades: len(trades)}
	if initial <= 0 {
		return m
	}

	m.TotalReturn = (final - initial) / initial

	years := float64(hours) / hoursPerYear
	if years > 0 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 1/years) - 1
	}

	var wins int
	var totalProfit, totalLoss float64
	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		if *t.PnL > 0 {
			wins++
			totalProfit += *t.PnL
		} else if *t.PnL < 0 {
			totalLoss += -*t.PnL
		}
	}
	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades))
	}
	if totalLoss > 0 {
		m.ProfitFactor = totalProfit / totalLoss
	} else {
		m.ProfitFactor = math.Inf(1)
	}

	equity := hourlyEquity(trades, initial)
	returns := hourlyReturns(equity)
	m.SharpeRatio = annualizedRatio(returns, false)
	m.SortinoRatio = annualizedRatio(returns, true)
	m.MaxDrawdown = maxDrawdown(equity)
	if m.MaxDrawdown < 0 {
		m.CalmarRatio = m.AnnualizedReturn / -m.MaxDrawdown
	}

	if len(trades) > 1 {
		total := trades[len(trades)-1].Timestamp.Sub(trades[0].Timestamp).Hours()
		m.AvgTradeDuration = total / float64(len(trades)-1)
	}

	m.RiskAdjustedReturn = m.SharpeRatio * m.WinRate
	return m
}

// hourlyEquity buckets realized PnL per hour and returns the cumulative
// equity path starting at initial.
func hourlyEquity(trades []Trade, initial float64) []float64 {
	if len(trades) == 0 {
		return []float64{initial}
	}

	buckets := make(map[int64]float64)
	var keys []int64
	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		h := t.Timestamp.Truncate(time.Hour).Unix()
		if _, ok := buckets[h]; !ok {
			keys = append(keys, h)
		}
		buckets[h] += *t.PnL
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	equity := make([]float64, 0, len(keys)+1)
	equity = append(equity, initial)
	running := initial
	for _, k := range keys {
		running += buckets[k]
		equity = append(equity, running)
	}
	return equity
}

func hourlyReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] != 0 {
			returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
		}
	}
	return returns
}

// annualizedRatio is Sharpe when downsideOnly is false, Sortino when
// true: mean over (downside) deviation, scaled to annual.
func annualizedRatio(returns []float64, downsideOnly bool) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	n := 0
	for _, r := range returns {
		if downsideOnly && r >= 0 {
			continue
		}
		d := r - mean
		if downsideOnly {
			d = r
		}
		variance += d * d
		n++
	}
	if n == 0 || variance == 0 {
		return 0
	}
	std := math.Sqrt(variance / float64(n))
	return mean / std * math.Sqrt(hoursPerYear)
}

// maxDrawdown returns the worst peak-to-trough fraction of the equity
// path. Always nonpositive.
func maxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (v - peak) / peak
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// regimeAggregates summarizes trade activity inside each named regime
// window that intersects the run.
func regimeAggregates(trades []Trade, initial float64, start, end time.Time) map[string]RegimePerformance {
	out := make(map[string]RegimePerformance)
	for _, regime := range marketdata.RegimesOverlapping(start, end) {
		winStart, winEnd := regime.Start, regime.End
		if winStart.Before(start) {
			winStart = start
		}
		if winEnd.After(end) {
			winEnd = end
		}
		hours := int(winEnd.Sub(winStart).Hours())

		perf := RegimePerformance{Hours: hours}
		for _, t := range trades {
			if t.Timestamp.Before(winStart) || !t.Timestamp.Before(winEnd) {
				continue
			}
			perf.Trades++
			if t.PnL != nil {
				perf.PnL += *t.PnL
			}
		}
		if initial > 0 && hours > 0 {
			totalReturn := perf.PnL / initial
			years := float64(hours) / hoursPerYear
			perf.AnnualizedReturn = math.Pow(1+totalReturn, 1/years) - 1
		}
		out[regime.Name] = perf
	}
	return out
}
