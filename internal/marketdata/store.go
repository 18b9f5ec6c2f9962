package marketdata

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ArchiveFetcher retrieves one day of candles from the upstream provider.
type ArchiveFetcher interface {
	FetchDay(ctx context.Context, symbol, interval string, day time.Time) ([]Candle, error)
}

// Store serves range queries over day-sized cached archives. It is safe
// for concurrent readers; writes are single-writer per (symbol, interval,
// day) and published atomically via rename.
type Store struct {
	cacheDir string
	fetcher  ArchiveFetcher
	hot      *redis.Client // optional; nil disables the hot tier
	hotTTL   time.Duration

	mu      sync.Mutex
	dayLock map[string]*sync.Mutex
}

// NewStore creates a store over cacheDir. fetcher may be nil for a
// cache-only store; hot may be nil to disable the Redis tier.
func NewStore(cacheDir string, fetcher ArchiveFetcher, hot *redis.Client) *Store {
	return &Store{
		cacheDir: cacheDir,
		fetcher:  fetcher,
		hot:      hot,
		hotTTL:   15 * time.Minute,
		dayLock:  make(map[string]*sync.Mutex),
	}
}

// Fetch returns candles per symbol for [start, end) at the given interval.
// Missing days reduce coverage; coverage < 0.5 fails with ErrInsufficientData.
func (s *Store) Fetch(ctx context.Context, symbols []string, start, end time.Time, interval string) (map[string][]Candle, CoverageStats, error) {
	if _, err := IntervalDuration(interval); err != nil {
		return nil, CoverageStats{}, err
	}
	if !start.Before(end) {
		return nil, CoverageStats{}, fmt.Errorf("marketdata: start %s not before end %s", start, end)
	}

	out := make(map[string][]Candle, len(symbols))
	totalDays, missingDays := 0, 0

	for _, symbol := range symbols {
		if candles, ok := s.hotGet(ctx, symbol, interval, start, end); ok {
			out[symbol] = candles
			totalDays += daysIn(start, end)
			continue
		}

		var series []Candle
		for d := start.Truncate(24 * time.Hour); d.Before(end); d = d.AddDate(0, 0, 1) {
			totalDays++
			candles, err := s.day(ctx, symbol, interval, d)
			if err != nil {
				missingDays++
				log.Warn().Str("symbol", symbol).Str("interval", interval).
					Time("day", d).Err(err).Msg("day archive unavailable")
				continue
			}
			series = append(series, candles...)
		}

		// Clip to [start, end).
		clipped := series[:0]
		for _, c := range series {
			if !c.Timestamp.Before(start) && c.Timestamp.Before(end) {
				clipped = append(clipped, c)
			}
		}
		sort.Slice(clipped, func(i, j int) bool { return clipped[i].Timestamp.Before(clipped[j].Timestamp) })
		out[symbol] = clipped

		s.hotSet(ctx, symbol, interval, start, end, clipped)
	}

	stats := coverageStats(start, end, totalDays, missingDays)
	if stats.Coverage < 0.5 {
		return out, stats, fmt.Errorf("%w: coverage %.2f for %s..%s", ErrInsufficientData, stats.Coverage, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return out, stats, nil
}

// Materialize writes the requested window as per-symbol CSV files under
// dir, the layout the backtest harness mounts read-only at /data.
func (s *Store) Materialize(ctx context.Context, dir string, symbols []string, start, end time.Time, interval string) (CoverageStats, error) {
	data, stats, err := s.Fetch(ctx, symbols, start, end, interval)
	if err != nil {
		return stats, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stats, fmt.Errorf("marketdata: create snapshot dir: %w", err)
	}
	for symbol, candles := range data {
		if err := writeCSV(filepath.Join(dir, symbol+".csv"), candles); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Summary returns the cache manifest: regime windows plus per-symbol
// coverage stats derived from cached day files.
func (s *Store) Summary() (Manifest, error) {
	m := Manifest{
		GeneratedAt: time.Now().UTC(),
		Regimes:     Regimes(),
		Coverage:    make(map[string]int),
	}

	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, fmt.Errorf("marketdata: read cache dir: %w", err)
	}
	for _, symDir := range entries {
		if !symDir.IsDir() {
			continue
		}
		intervals, err := os.ReadDir(filepath.Join(s.cacheDir, symDir.Name()))
		if err != nil {
			continue
		}
		days := 0
		for _, ivDir := range intervals {
			files, err := os.ReadDir(filepath.Join(s.cacheDir, symDir.Name(), ivDir.Name()))
			if err != nil {
				continue
			}
			days += len(files)
		}
		m.Coverage[symDir.Name()] = days
	}
	return m, nil
}

// WriteManifest publishes the manifest as registry.json in the cache dir.
func (s *Store) WriteManifest() error {
	m, err := s.Summary()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.cacheDir, "registry.json"), data)
}

// Manifest names the regime windows and cached coverage.
type Manifest struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Regimes     []Regime       `json:"regimes"`
	Coverage    map[string]int `json:"coverage_days"`
}

// day returns one cached day, fetching and publishing it on miss.
func (s *Store) day(ctx context.Context, symbol, interval string, d time.Time) ([]Candle, error) {
	path := s.dayPath(symbol, interval, d)
	if candles, err := readCSV(path, symbol, interval); err == nil {
		return candles, nil
	}

	if s.fetcher == nil {
		return nil, fmt.Errorf("%w: no cached archive for %s/%s/%s", ErrSourceUnavailable, symbol, interval, d.Format("2006-01-02"))
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	// Another writer may have published while we waited.
	if candles, err := readCSV(path, symbol, interval); err == nil {
		return candles, nil
	}

	candles, err := s.fetcher.FetchDay(ctx, symbol, interval, d)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s/%s: %v", ErrSourceUnavailable, symbol, interval, d.Format("2006-01-02"), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("marketdata: create day dir: %w", err)
	}
	if err := writeCSV(path, candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (s *Store) dayPath(symbol, interval string, d time.Time) string {
	return filepath.Join(s.cacheDir, symbol, interval, d.Format("2006-01-02")+".csv")
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.dayLock[key]
	if !ok {
		lock = &sync.Mutex{}
		s.dayLock[key] = lock
	}
	return lock
}

func (s *Store) hotKey(symbol, interval string, start, end time.Time) string {
	return fmt.Sprintf("marketdata:%s:%s:%d:%d", symbol, interval, start.Unix(), end.Unix())
}

func (s *Store) hotGet(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, bool) {
	if s.hot == nil {
		return nil, false
	}
	raw, err := s.hot.Get(ctx, s.hotKey(symbol, interval, start, end)).Bytes()
	if err != nil {
		return nil, false
	}
	var candles []Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, false
	}
	return candles, true
}

func (s *Store) hotSet(ctx context.Context, symbol, interval string, start, end time.Time, candles []Candle) {
	if s.hot == nil || len(candles) == 0 {
		return
	}
	raw, err := json.Marshal(candles)
	if err != nil {
		return
	}
	if err := s.hot.Set(ctx, s.hotKey(symbol, interval, start, end), raw, s.hotTTL).Err(); err != nil {
		log.Debug().Err(err).Msg("hot tier set failed")
	}
}

func daysIn(start, end time.Time) int {
	n := 0
	for d := start.Truncate(24 * time.Hour); d.Before(end); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}

func coverageStats(start, end time.Time, totalDays, missingDays int) CoverageStats {
	hours := int(end.Sub(start).Hours())
	coverage := 1.0
	if totalDays > 0 {
		coverage = float64(totalDays-missingDays) / float64(totalDays)
	}
	return CoverageStats{
		TotalHours:  hours,
		MissingData: missingDays,
		Coverage:    coverage,
	}
}

// CSV layout: unix_ms,open,high,low,close,volume — one bar per row.

func writeCSV(path string, candles []Candle) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("marketdata: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	for _, c := range candles {
		row := []string{
			strconv.FormatInt(c.Timestamp.UnixMilli(), 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("marketdata: write csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("marketdata: flush csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Publish-then-swap: readers never observe a partial file.
	return os.Rename(tmp.Name(), path)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readCSV(path, symbol, interval string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("marketdata: parse %s: %w", path, err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		c := Candle{
			Timestamp: time.UnixMilli(ms).UTC(),
			Symbol:    symbol,
			Interval:  interval,
		}
		if c.Open, err = strconv.ParseFloat(row[1], 64); err != nil {
			continue
		}
		if c.High, err = strconv.ParseFloat(row[2], 64); err != nil {
			continue
		}
		if c.Low, err = strconv.ParseFloat(row[3], 64); err != nil {
			continue
		}
		if c.Close, err = strconv.ParseFloat(row[4], 64); err != nil {
			continue
		}
		if c.Volume, err = strconv.ParseFloat(row[5], 64); err != nil {
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}
