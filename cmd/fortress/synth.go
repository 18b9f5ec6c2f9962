package main

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/agentfort/fortress/internal/marketdata"
)

// Simulation scenarios. Each shapes the synthetic price path the agent
// is replayed against.
const (
	scenarioPriceOracle = "price_oracle"
	scenarioArbitrage   = "arbitrage"
)

// syntheticFetcher generates deterministic candles without touching the
// network. The walk is seeded from (symbol, day), so repeated runs see
// identical fixtures.
type syntheticFetcher struct {
	scenario string
}

func (f *syntheticFetcher) FetchDay(_ context.Context, symbol, interval string, day time.Time) ([]marketdata.Candle, error) {
	step, err := marketdata.IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	bars := int((24 * time.Hour) / step)

	rng := rand.New(rand.NewSource(seed(symbol, day)))
	price := basePrice(symbol)
	if f.scenario == scenarioArbitrage {
		// A persistent per-venue offset keeps a closable spread open.
		price *= 1 + 0.002*float64(seed(symbol, time.Time{})%5)
	}

	candles := make([]marketdata.Candle, 0, bars)
	for i := 0; i < bars; i++ {
		open := price
		drift := price * 0.0004 * (rng.Float64()*2 - 1)
		price += drift

		if f.scenario == scenarioPriceOracle && i >= bars/2 && i < bars/2+30 {
			// Mid-day oracle deviation: prices detach from the walk.
			price = open * 1.15
		}

		high := math.Max(open, price) * (1 + 0.0002*rng.Float64())
		low := math.Min(open, price) * (1 - 0.0002*rng.Float64())
		candles = append(candles, marketdata.Candle{
			Timestamp: day.Add(time.Duration(i) * step),
			Symbol:    symbol,
			Interval:  interval,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    10 + 90*rng.Float64(),
		})
	}
	return candles, nil
}

func basePrice(symbol string) float64 {
	switch {
	case strings.HasPrefix(symbol, "BTC"):
		return 60000
	case strings.HasPrefix(symbol, "ETH"):
		return 3000
	default:
		return 100
	}
}

func seed(symbol string, day time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(day.Format("2006-01-02")))
	return int64(h.Sum64())
}
