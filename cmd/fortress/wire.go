package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/agentfort/fortress/internal/audit"
	"github.com/agentfort/fortress/internal/backtest"
	"github.com/agentfort/fortress/internal/bench"
	"github.com/agentfort/fortress/internal/config"
	"github.com/agentfort/fortress/internal/judge"
	"github.com/agentfort/fortress/internal/marketdata"
	"github.com/agentfort/fortress/internal/metrics"
	"github.com/agentfort/fortress/internal/registry"
	"github.com/agentfort/fortress/internal/scanner"
	"github.com/agentfort/fortress/internal/tee"
	"github.com/agentfort/fortress/internal/verifier"
)

// app holds the wired components for one command invocation. Commands
// build only the slices they need via the build* helpers.
type app struct {
	cfg *config.Config

	verifier *verifier.Verifier
	auditLog *audit.Log
	monitor  *metrics.Server

	closers []func() error
}

// Close releases daemon connections and stops the monitor listener.
func (a *app) Close() {
	if a.monitor != nil {
		_ = a.monitor.Shutdown(context.Background())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Debug().Err(err).Msg("close failed")
		}
	}
}

// buildScanner wires the vulnerability scanner over the local daemon.
func buildScanner(a *app) (*scanner.Scanner, error) {
	docker, err := scanner.NewDockerClient()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, docker.Close)
	return scanner.New(docker, scanner.NewTrivy()), nil
}

// buildRegistry wires the approved-code registry per config, using the
// scanner's docker client as the image source for hashing.
func buildRegistry(ctx context.Context, a *app) (*registry.Registry, error) {
	var store registry.Store
	switch a.cfg.Registry.Mode {
	case "postgres":
		pg, err := registry.NewPostgresStore(a.cfg.Registry.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		fs, err := registry.NewFileStore(a.cfg.Registry.Path)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	docker, err := scanner.NewDockerClient()
	if err != nil {
		// Lookup-only registry still works without a daemon.
		log.Warn().Err(err).Msg("docker unavailable, registry runs in lookup-only mode")
		return registry.New(store, nil), nil
	}
	a.closers = append(a.closers, docker.Close)

	reg := registry.New(store, docker)
	if a.cfg.Registry.AutoDiscover {
		if added, err := reg.AutoDiscover(ctx); err != nil {
			log.Warn().Err(err).Msg("registry auto-discovery failed")
		} else if added > 0 {
			log.Info().Int("added", added).Msg("auto-registered local images as pending")
		}
	}
	return reg, nil
}

// buildMarketStore wires the OHLCV store with the archive fetcher and
// the optional Redis hot tier.
func buildMarketStore(a *app) *marketdata.Store {
	fetcher := marketdata.NewHTTPFetcher(a.cfg.MarketData.BaseURL, a.cfg.MarketData.RPS)

	var hot *redis.Client
	if a.cfg.MarketData.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.MarketData.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("invalid redis url, hot tier disabled")
		} else {
			hot = redis.NewClient(opts)
			a.closers = append(a.closers, hot.Close)
		}
	}
	return marketdata.NewStore(a.cfg.MarketData.CacheDir, fetcher, hot)
}

// buildBacktester wires the container backtest harness over the given
// market source.
func buildBacktester(a *app, market backtest.MarketSource) (*backtest.Backtester, *backtest.DockerRuntime, error) {
	runtime, err := backtest.NewDockerRuntime()
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, runtime.Close)
	return backtest.New(runtime, market, a.cfg.Backtest), runtime, nil
}

// buildBench wires the performance benchmark harness.
func buildBench(a *app) (*bench.Benchmarker, error) {
	runtime, err := bench.NewDockerServiceRuntime()
	if err != nil {
		return nil, err
	}
	return bench.New(runtime), nil
}

// buildAudit opens the append-only verification log.
func buildAudit(a *app) (*audit.Log, error) {
	return audit.NewLog(filepath.Join(a.cfg.Audit.Dir, "verifications.jsonl"))
}

// buildApp wires the full verification pipeline. maxConcurrent, when
// positive, caps every stage semaphore; llmProvider, when non-empty,
// overrides the configured primary provider.
func buildApp(ctx context.Context, maxConcurrent int, llmProvider string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	if llmProvider != "" {
		a.cfg.LLM.PrimaryProvider = llmProvider
	}
	if maxConcurrent > 0 {
		limits := &a.cfg.Limits
		limits.MaxConcurrentScans = min(limits.MaxConcurrentScans, maxConcurrent)
		limits.MaxConcurrentTEE = min(limits.MaxConcurrentTEE, maxConcurrent)
		limits.MaxConcurrentBacktests = min(limits.MaxConcurrentBacktests, maxConcurrent)
		limits.MaxConcurrentLLM = min(limits.MaxConcurrentLLM, maxConcurrent)
	}

	scan, err := buildScanner(a)
	if err != nil {
		return nil, fmt.Errorf("wire scanner: %w", err)
	}
	reg, err := buildRegistry(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("wire registry: %w", err)
	}
	attestor, err := tee.NewValidator(reg, a.cfg.TEE)
	if err != nil {
		return nil, fmt.Errorf("wire attestor: %w", err)
	}

	var quotes tee.QuoteSource
	if a.cfg.TEE.SimulationMode {
		quotes = &tee.SimulatedQuoteSource{}
	} else {
		dq, err := tee.NewDockerQuoteSource()
		if err != nil {
			return nil, fmt.Errorf("wire quote source: %w", err)
		}
		quotes = dq
	}

	market := buildMarketStore(a)
	backtester, runtime, err := buildBacktester(a, market)
	if err != nil {
		return nil, fmt.Errorf("wire backtester: %w", err)
	}
	bencher, err := buildBench(a)
	if err != nil {
		return nil, fmt.Errorf("wire benchmark: %w", err)
	}

	a.auditLog, err = buildAudit(a)
	if err != nil {
		return nil, fmt.Errorf("wire audit log: %w", err)
	}

	registryMetrics := metrics.NewRegistry()
	if a.cfg.Monitor.Enabled {
		a.monitor = metrics.NewServer(a.cfg.Monitor.Addr, registryMetrics)
		a.monitor.Start()
	}

	a.verifier = verifier.New(verifier.Deps{
		Scanner:    scan,
		Attestor:   attestor,
		Quotes:     quotes,
		Backtester: backtester,
		Bench:      bencher,
		Judge:      judge.New(a.cfg.LLM),
		Images:     runtime,
		Audit:      a.auditLog,
		Metrics:    registryMetrics,
	}, a.cfg)
	return a, nil
}
