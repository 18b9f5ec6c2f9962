package marketdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	missing map[string]bool
	calls   int
}

func dayKey(symbol string, d time.Time) string {
	return symbol + "/" + d.Format("2006-01-02")
}

func (f *fakeFetcher) FetchDay(_ context.Context, symbol, interval string, day time.Time) ([]Candle, error) {
	f.calls++
	if f.missing[dayKey(symbol, day)] {
		return nil, fmt.Errorf("archive missing")
	}
	step, _ := IntervalDuration(interval)
	var candles []Candle
	for ts := day; ts.Before(day.AddDate(0, 0, 1)); ts = ts.Add(step) {
		price := 50000.0 + float64(ts.Hour())*10
		candles = append(candles, Candle{
			Timestamp: ts, Symbol: symbol, Interval: interval,
			Open: price, High: price + 5, Low: price - 5, Close: price + 1, Volume: 100,
		})
	}
	return candles, nil
}

func TestFetchComposesAndClipsDays(t *testing.T) {
	store := NewStore(t.TempDir(), &fakeFetcher{}, nil)

	start := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 3, 18, 0, 0, 0, time.UTC)

	data, stats, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, end, "1h")
	require.NoError(t, err)

	candles := data["BTCUSDT"]
	require.NotEmpty(t, candles)

	// Clipped to [start, end).
	assert.False(t, candles[0].Timestamp.Before(start))
	assert.True(t, candles[len(candles)-1].Timestamp.Before(end))
	assert.Equal(t, int(end.Sub(start).Hours()), len(candles))

	// Strictly increasing timestamps.
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].Timestamp.After(candles[i-1].Timestamp),
			"candles must be strictly increasing at index %d", i)
	}

	assert.Equal(t, 1.0, stats.Coverage)
}

func TestFetchReusesCachedDays(t *testing.T) {
	fetcher := &fakeFetcher{}
	dir := t.TempDir()
	store := NewStore(dir, fetcher, nil)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 2)

	_, _, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, end, "1h")
	require.NoError(t, err)
	firstCalls := fetcher.calls

	_, _, err = store.Fetch(context.Background(), []string{"BTCUSDT"}, start, end, "1h")
	require.NoError(t, err)
	assert.Equal(t, firstCalls, fetcher.calls, "second fetch must be served from disk cache")
}

func TestFetchMissingDayReducesCoverage(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{missing: map[string]bool{
		dayKey("BTCUSDT", start.AddDate(0, 0, 1)): true,
	}}
	store := NewStore(t.TempDir(), fetcher, nil)

	data, stats, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, start.AddDate(0, 0, 4), "1h")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MissingData)
	assert.InDelta(t, 0.75, stats.Coverage, 1e-9)
	assert.Len(t, data["BTCUSDT"], 3*24)
}

func TestFetchInsufficientData(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{missing: map[string]bool{
		dayKey("BTCUSDT", start):                  true,
		dayKey("BTCUSDT", start.AddDate(0, 0, 1)): true,
	}}
	store := NewStore(t.TempDir(), fetcher, nil)

	_, stats, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, start.AddDate(0, 0, 3), "1h")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))
	assert.Less(t, stats.Coverage, 0.5)
}

func TestFetchRejectsUnknownInterval(t *testing.T) {
	store := NewStore(t.TempDir(), &fakeFetcher{}, nil)
	_, _, err := store.Fetch(context.Background(), []string{"BTCUSDT"},
		time.Now().Add(-time.Hour), time.Now(), "7m")
	require.Error(t, err)
}

func TestMaterializeWritesSymbolFiles(t *testing.T) {
	store := NewStore(t.TempDir(), &fakeFetcher{}, nil)
	outDir := t.TempDir()

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.Materialize(context.Background(), outDir,
		[]string{"BTCUSDT", "ETHUSDT"}, start, start.AddDate(0, 0, 1), "1h")
	require.NoError(t, err)

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		path := filepath.Join(outDir, symbol+".csv")
		info, err := os.Stat(path)
		require.NoError(t, err, "expected snapshot file for %s", symbol)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestRegimeLookup(t *testing.T) {
	r, err := RegimeByName("bull_2024")
	require.NoError(t, err)
	assert.Equal(t, "bull_2024", r.Name)
	assert.True(t, r.Contains(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(r.End))

	_, err = RegimeByName("sideways_1999")
	require.Error(t, err)
}

func TestRegimesOverlapping(t *testing.T) {
	start := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)

	overlap := RegimesOverlapping(start, end)
	require.Len(t, overlap, 2)
	assert.Equal(t, "bull_2024", overlap[0].Name)
	assert.Equal(t, "bear_2024", overlap[1].Name)
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, &fakeFetcher{}, nil)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, start.AddDate(0, 0, 2), "1h")
	require.NoError(t, err)

	require.NoError(t, store.WriteManifest())

	m, err := store.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Coverage["BTCUSDT"])
	assert.Len(t, m.Regimes, 4)

	_, err = os.Stat(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
}
