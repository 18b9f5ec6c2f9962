package marketdata

import (
	"fmt"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// namedRegimes are the historical windows used to label test conditions.
// Windows are half-open [start, end).
var namedRegimes = map[string]Regime{
	"bull_2024": {
		Name:               "bull_2024",
		Start:              day(2024, time.January, 1),
		End:                day(2024, time.April, 1),
		Description:        "Q1 2024 bull trend: BTC ETF approval rally",
		ExpectedPriceRange: [2]float64{42000, 73000},
	},
	"bear_2024": {
		Name:               "bear_2024",
		Start:              day(2024, time.April, 1),
		End:                day(2024, time.May, 1),
		Description:        "April 2024 drawdown after halving",
		ExpectedPriceRange: [2]float64{56000, 72000},
	},
	"volatile_2024": {
		Name:               "volatile_2024",
		Start:              day(2024, time.May, 1),
		End:                day(2024, time.June, 1),
		Description:        "May 2024 high volatility chop",
		ExpectedPriceRange: [2]float64{56000, 71000},
	},
	"sideways_2024": {
		Name:               "sideways_2024",
		Start:              day(2024, time.June, 1),
		End:                day(2024, time.July, 1),
		Description:        "June 2024 range-bound consolidation",
		ExpectedPriceRange: [2]float64{58000, 72000},
	},
}

// RegimeByName returns the named regime window.
func RegimeByName(name string) (Regime, error) {
	r, ok := namedRegimes[name]
	if !ok {
		return Regime{}, fmt.Errorf("marketdata: unknown regime %q", name)
	}
	return r, nil
}

// Regimes returns all named regime windows.
func Regimes() []Regime {
	out := make([]Regime, 0, len(namedRegimes))
	for _, name := range []string{"bull_2024", "bear_2024", "volatile_2024", "sideways_2024"} {
		out = append(out, namedRegimes[name])
	}
	return out
}

// RegimesOverlapping returns the named regimes intersecting [start, end).
func RegimesOverlapping(start, end time.Time) []Regime {
	var out []Regime
	for _, r := range Regimes() {
		if r.Start.Before(end) && start.Before(r.End) {
			out = append(out, r)
		}
	}
	return out
}
