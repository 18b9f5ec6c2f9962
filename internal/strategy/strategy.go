// Package strategy classifies agent trading behavior from a backtest
// trade stream and scores its effectiveness and risk.
package strategy

import (
	"math"
	"strings"
	"time"

	"github.com/agentfort/fortress/internal/backtest"
)

// Strategy labels the detected dominant behavior.
type Strategy string

const (
	StrategyArbitrage    Strategy = "arbitrage"
	StrategyMomentum     Strategy = "momentum"
	StrategyMarketMaking Strategy = "market_making"
	StrategyUnknown      Strategy = "unknown"
)

// Status is the verification outcome.
type Status string

const (
	StatusVerified Status = "verified"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// pairWindow bounds how quickly an arbitrage leg must be closed.
const pairWindow = 5 * time.Minute

// Verification is the strategy verdict consumed by scoring.
type Verification struct {
	DetectedStrategy Strategy                              `json:"detected_strategy"`
	Status           Status                                `json:"verification_status"`
	Effectiveness    float64                               `json:"effectiveness"`
	Risk             float64                               `json:"risk_score"`
	ByRegime         map[string]backtest.RegimePerformance `json:"performance_by_regime,omitempty"`
}

// Verify classifies the trade stream and scores it against per-strategy
// thresholds. Pure function of the backtest result.
func Verify(result *backtest.Result) Verification {
	trades := result.Trades
	detected := Detect(trades, result.StrategyHint)

	v := Verification{
		DetectedStrategy: detected,
		Status:           status(detected, trades, result.Metrics),
		Effectiveness:    effectiveness(trades, result.Metrics),
		Risk:             risk(result.Metrics),
		ByRegime:         result.ByRegime,
	}
	return v
}

// Detect picks the dominant strategy. Explicit action signals in the
// trade stream win; behavioral regularities are the fallback for agents
// that tag trades with free-form reasons.
func Detect(trades []backtest.Trade, hint string) Strategy {
	if len(trades) == 0 {
		return StrategyUnknown
	}

	var arb, mom, mm int
	for _, t := range trades {
		switch {
		case strings.HasPrefix(t.Signal, "arbitrage_"):
			arb++
		case strings.HasPrefix(t.Signal, "momentum_"):
			mom++
		case strings.HasPrefix(t.Signal, "market_making_"):
			mm++
		}
	}
	tagged := arb + mom + mm
	if tagged*2 >= len(trades) {
		switch {
		case arb >= mom && arb >= mm:
			return StrategyArbitrage
		case mom >= mm:
			return StrategyMomentum
		default:
			return StrategyMarketMaking
		}
	}

	// Behavioral fallback.
	if pairingRatio(trades) > 0.6 {
		return StrategyArbitrage
	}
	if directionalBias(trades) > 0.4 {
		return StrategyMomentum
	}
	if twoSided(trades) {
		return StrategyMarketMaking
	}
	if s := Strategy(hint); s == StrategyArbitrage || s == StrategyMomentum || s == StrategyMarketMaking {
		return s
	}
	return StrategyUnknown
}

func status(detected Strategy, trades []backtest.Trade, m backtest.PerformanceMetrics) Status {
	posFrac := pnlPositiveFraction(trades)

	switch detected {
	case StrategyArbitrage:
		paired := pairingRatio(trades) > 0.6
		if posFrac > 0.95 && paired {
			return StatusVerified
		}
		if posFrac > 0.80 {
			return StatusPartial
		}
		return StatusFailed
	case StrategyMomentum:
		if m.WinRate > 0.55 && m.TotalReturn > 0 {
			return StatusVerified
		}
		if m.WinRate > 0.45 {
			return StatusPartial
		}
		return StatusFailed
	case StrategyMarketMaking:
		if m.WinRate > 0.6 && m.MaxDrawdown > -0.05 {
			return StatusVerified
		}
		if m.WinRate > 0.5 {
			return StatusPartial
		}
		return StatusFailed
	default:
		if posFrac > 0.5 {
			return StatusPartial
		}
		return StatusFailed
	}
}

// effectiveness maps win rate, PnL-positive fraction, and profit factor
// onto [0,100].
func effectiveness(trades []backtest.Trade, m backtest.PerformanceMetrics) float64 {
	pf := m.ProfitFactor
	if math.IsInf(pf, 1) || pf > 2 {
		pf = 2
	}
	score := m.WinRate*40 + pnlPositiveFraction(trades)*30 + pf/2*30
	return clamp(score, 0, 100)
}

// risk maps drawdown depth and loss frequency onto [0,100].
func risk(m backtest.PerformanceMetrics) float64 {
	ddTerm := math.Min(-m.MaxDrawdown*300, 60)
	lossTerm := (1 - m.WinRate) * 40
	return clamp(ddTerm+lossTerm, 0, 100)
}

// pairingRatio is the fraction of buys answered by a sell on the same
// pair within the pairing window.
func pairingRatio(trades []backtest.Trade) float64 {
	buys, paired := 0, 0
	for i, t := range trades {
		if !strings.EqualFold(t.Side, "buy") {
			continue
		}
		buys++
		for j := i + 1; j < len(trades); j++ {
			next := trades[j]
			if next.Timestamp.Sub(t.Timestamp) > pairWindow {
				break
			}
			if next.Pair == t.Pair && strings.EqualFold(next.Side, "sell") {
				paired++
				break
			}
		}
	}
	if buys == 0 {
		return 0
	}
	return float64(paired) / float64(buys)
}

// directionalBias is |buys − sells| / total.
func directionalBias(trades []backtest.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	buys := 0
	for _, t := range trades {
		if strings.EqualFold(t.Side, "buy") {
			buys++
		}
	}
	sells := len(trades) - buys
	return math.Abs(float64(buys-sells)) / float64(len(trades))
}

// twoSided reports persistent quoting on both sides with narrow
// per-trade PnL relative to notional.
func twoSided(trades []backtest.Trade) bool {
	if len(trades) < 10 || directionalBias(trades) > 0.2 {
		return false
	}
	narrow := 0
	counted := 0
	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		counted++
		notional := t.Price * t.Amount
		if notional > 0 && math.Abs(*t.PnL)/notional < 0.01 {
			narrow++
		}
	}
	return counted > 0 && float64(narrow)/float64(counted) > 0.7
}

func pnlPositiveFraction(trades []backtest.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	pos := 0
	for _, t := range trades {
		if t.PnL != nil && *t.PnL > 0 {
			pos++
		}
	}
	return float64(pos) / float64(len(trades))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
