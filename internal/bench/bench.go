// Package bench load-tests an agent container's service endpoint and
// reports throughput, latency percentiles, error rate, and resource
// usage. The resulting telemetry feeds the behavior score category.
package bench

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Type selects the load profile.
type Type string

const (
	TypeStandard Type = "standard"
	TypeTrading  Type = "trading"
	TypeStress   Type = "stress"
)

// PerformanceMetrics is the measured load-test outcome.
type PerformanceMetrics struct {
	ThroughputTPS    float64 `json:"throughput_tps"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	P50LatencyMs     float64 `json:"p50_latency_ms"`
	P95LatencyMs     float64 `json:"p95_latency_ms"`
	P99LatencyMs     float64 `json:"p99_latency_ms"`
	MaxLatencyMs     float64 `json:"max_latency_ms"`
	ErrorRatePercent float64 `json:"error_rate_percent"`
}

// ResourceStats is a point-in-time resource snapshot of the container.
type ResourceStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
	NetworkRxMB float64 `json:"network_rx_mb"`
	NetworkTxMB float64 `json:"network_tx_mb"`
}

// TradingMetrics approximates the order path by the measured request
// round trip; trading-profile runs only.
type TradingMetrics struct {
	OrdersPerSecond   float64 `json:"orders_per_second"`
	AvgOrderLatencyMs float64 `json:"avg_order_latency_ms"`
	MarketDataLagMs   float64 `json:"market_data_lag_ms"`
}

// Result is the benchmark output for one image.
type Result struct {
	Image       string             `json:"image"`
	Type        Type               `json:"benchmark_type"`
	Duration    time.Duration      `json:"duration"`
	Performance PerformanceMetrics `json:"performance"`
	Resources   ResourceStats      `json:"resources"`
	Trading     *TradingMetrics    `json:"trading_metrics,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Service is a running agent container reachable over HTTP.
type Service interface {
	Endpoint() string
	Stats(ctx context.Context) (ResourceStats, error)
	Close(ctx context.Context) error
}

// ServiceRuntime starts agent containers as benchmark services.
type ServiceRuntime interface {
	StartService(ctx context.Context, image string, benchType Type) (Service, error)
}

// Options tunes one benchmark run.
type Options struct {
	Type        Type // empty means detect from the image reference
	Duration    time.Duration
	Concurrency int
}

// Benchmarker drives load against agent services.
type Benchmarker struct {
	runtime ServiceRuntime
	client  *http.Client
}

func New(runtime ServiceRuntime) *Benchmarker {
	return &Benchmarker{
		runtime: runtime,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// DetectType picks the load profile from the image reference.
func DetectType(imageRef string) Type {
	ref := strings.ToLower(imageRef)
	for _, pattern := range []string{"shade", "agent", "finance", "trading", "bot"} {
		if strings.Contains(ref, pattern) {
			return TypeTrading
		}
	}
	return TypeStandard
}

// Run starts the image as a service and load-tests its health endpoint.
// A service that cannot be started or reached yields a degraded result
// with a 100% error rate, never an error.
func (b *Benchmarker) Run(ctx context.Context, imageRef string, opts Options) Result {
	benchType := opts.Type
	if benchType == "" {
		benchType = DetectType(imageRef)
	}
	duration := opts.Duration
	if duration <= 0 {
		duration = 30 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
		if benchType == TypeStress {
			concurrency = 50
		}
	}

	result := Result{
		Image:     imageRef,
		Type:      benchType,
		Duration:  duration,
		Timestamp: time.Now().UTC(),
	}

	svc, err := b.runtime.StartService(ctx, imageRef, benchType)
	if err != nil {
		log.Warn().Str("image", imageRef).Err(err).Msg("benchmark service failed to start")
		result.Performance.ErrorRatePercent = 100
		result.Warnings = append(result.Warnings, fmt.Sprintf("service start failed: %v", err))
		return result
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := svc.Close(closeCtx); cerr != nil {
			log.Warn().Err(cerr).Msg("benchmark service cleanup failed")
		}
	}()

	result.Performance = b.generateLoad(ctx, svc.Endpoint()+"/health", duration, concurrency)

	if stats, serr := svc.Stats(ctx); serr != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("resource stats unavailable: %v", serr))
	} else {
		result.Resources = stats
	}

	if benchType == TypeTrading {
		result.Trading = &TradingMetrics{
			OrdersPerSecond:   result.Performance.ThroughputTPS,
			AvgOrderLatencyMs: result.Performance.AvgLatencyMs,
			MarketDataLagMs:   result.Performance.P50LatencyMs,
		}
	}

	log.Info().
		Str("image", imageRef).
		Str("type", string(benchType)).
		Float64("throughput_tps", result.Performance.ThroughputTPS).
		Float64("error_rate", result.Performance.ErrorRatePercent).
		Msg("benchmark complete")
	return result
}

func (b *Benchmarker) generateLoad(ctx context.Context, url string, duration time.Duration, concurrency int) PerformanceMetrics {
	loadCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		mu        sync.Mutex
		latencies []float64
		errors    int
	)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for loadCtx.Err() == nil {
				start := time.Now()
				ok, sampled := b.probe(loadCtx, url)
				if !sampled {
					continue
				}
				elapsed := float64(time.Since(start)) / float64(time.Millisecond)

				mu.Lock()
				latencies = append(latencies, elapsed)
				if !ok {
					errors++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return summarize(latencies, errors, duration)
}

// probe issues one request. sampled is false when the load deadline cut
// the request off mid-flight; such requests carry no signal about the
// service and are excluded from both latency and error counts.
func (b *Benchmarker) probe(ctx context.Context, url string) (ok, sampled bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, true
	}
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, false
		}
		return false, true
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, true
}

func summarize(latencies []float64, errors int, duration time.Duration) PerformanceMetrics {
	total := len(latencies)
	if total == 0 {
		return PerformanceMetrics{ErrorRatePercent: 100}
	}

	sorted := make([]float64, total)
	copy(sorted, latencies)
	sort.Float64s(sorted)

	sum := 0.0
	for _, l := range sorted {
		sum += l
	}

	return PerformanceMetrics{
		ThroughputTPS:    float64(total) / duration.Seconds(),
		AvgLatencyMs:     sum / float64(total),
		P50LatencyMs:     percentile(sorted, 50),
		P95LatencyMs:     percentile(sorted, 95),
		P99LatencyMs:     percentile(sorted, 99),
		MaxLatencyMs:     sorted[total-1],
		ErrorRatePercent: float64(errors) / float64(total) * 100,
	}
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
