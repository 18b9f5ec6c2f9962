package marketdata

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// HTTPFetcher downloads day archives from a Binance Vision style
// endpoint: <base>/data/spot/daily/klines/<SYMBOL>/<interval>/
// <SYMBOL>-<interval>-<YYYY-MM-DD>.zip containing a single CSV.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher creates a rate-limited archive fetcher.
func NewHTTPFetcher(baseURL string, rps float64) *HTTPFetcher {
	if rps <= 0 {
		rps = 4.0
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// FetchDay downloads and parses one day of klines.
func (f *HTTPFetcher) FetchDay(ctx context.Context, symbol, interval string, day time.Time) ([]Candle, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/data/spot/daily/klines/%s/%s/%s-%s-%s.zip",
		f.baseURL, symbol, interval, symbol, interval, day.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("archive missing: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read archive body: %w", err)
	}

	candles, err := parseKlineZip(body, symbol, interval)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("symbol", symbol).Str("interval", interval).
		Time("day", day).Int("bars", len(candles)).Msg("day archive fetched")
	return candles, nil
}

// parseKlineZip extracts the single CSV member and parses kline rows:
// open_time_ms,open,high,low,close,volume,... (extra columns ignored).
func parseKlineZip(data []byte, symbol, interval string) ([]Candle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("empty archive")
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open archive member: %w", err)
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1

	var candles []Candle
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse kline csv: %w", err)
		}
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		c := Candle{Timestamp: time.UnixMilli(ms).UTC(), Symbol: symbol, Interval: interval}
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
