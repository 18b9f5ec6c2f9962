// Package marketdata fetches, caches, and serves historical OHLCV candles.
// Day-sized CSV archives are cached under cache_dir/symbol/interval/ and
// range queries are composed by concatenating days and clipping.
package marketdata

import (
	"errors"
	"fmt"
	"time"
)

// Errors surfaced to the data-quality layer.
var (
	// ErrSourceUnavailable marks a single missing day archive. Callers
	// treat it as a coverage reduction, not a failure.
	ErrSourceUnavailable = errors.New("marketdata: source unavailable")

	// ErrInsufficientData is returned when coverage for the requested
	// window falls below 0.5.
	ErrInsufficientData = errors.New("marketdata: insufficient data")
)

// Candle is a single OHLCV bar. Timestamps are UTC and strictly
// increasing within a (symbol, interval) series.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Interval durations recognized by the store.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration returns the bar duration for a recognized interval.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("marketdata: unrecognized interval %q", interval)
	}
	return d, nil
}

// CoverageStats summarizes cache coverage for a window.
type CoverageStats struct {
	TotalHours  int     `json:"total_hours"`
	MissingData int     `json:"missing_data"`
	Coverage    float64 `json:"data_coverage"` // [0,1]
}

// Regime is a named historical window with declared market conditions.
type Regime struct {
	Name               string     `json:"name"`
	Start              time.Time  `json:"start"`
	End                time.Time  `json:"end"`
	Description        string     `json:"description"`
	ExpectedPriceRange [2]float64 `json:"expected_price_range"`
}

// Contains reports whether ts falls inside the regime window [Start, End).
func (r Regime) Contains(ts time.Time) bool {
	return !ts.Before(r.Start) && ts.Before(r.End)
}
