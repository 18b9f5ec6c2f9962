// Package verifier orchestrates the verification pipeline: scan,
// attestation, backtest, and benchmark fan out per agent under global
// stage semaphores; the judge follows the scan; strategy verification
// and scoring consume the completed stage outputs. Stage failures are
// values threaded into the score inputs; only a missing image, an agent
// that produces no trades, or a stage panic aborts a pipeline, and the
// abort never reaches sibling pipelines.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfort/fortress/internal/audit"
	"github.com/agentfort/fortress/internal/backtest"
	"github.com/agentfort/fortress/internal/bench"
	"github.com/agentfort/fortress/internal/config"
	"github.com/agentfort/fortress/internal/judge"
	"github.com/agentfort/fortress/internal/metrics"
	"github.com/agentfort/fortress/internal/scanner"
	"github.com/agentfort/fortress/internal/score"
	"github.com/agentfort/fortress/internal/strategy"
	"github.com/agentfort/fortress/internal/tee"
)

const (
	scanDeadline  = 120 * time.Second
	teeDeadline   = 30 * time.Second
	judgeDeadline = 3 * time.Minute
)

// Stage interfaces keep the orchestrator testable against stubs; the
// real components satisfy them directly.

type ScanStage interface {
	Scan(ctx context.Context, imageRef string) scanner.Report
}

type AttestStage interface {
	Validate(ctx context.Context, quoteData []byte) tee.Result
}

type BacktestStage interface {
	Run(ctx context.Context, imageRef string, opts backtest.Options) (*backtest.Result, error)
}

type BenchStage interface {
	Run(ctx context.Context, imageRef string, opts bench.Options) bench.Result
}

type JudgeStage interface {
	EvaluateSecurity(ctx context.Context, report *scanner.Report) judge.SecurityResult
	EvaluateComprehensive(ctx context.Context, report *scanner.Report) judge.ComprehensiveResult
}

type ImageChecker interface {
	ImageExists(ctx context.Context, imageRef string) (bool, error)
}

// Deps are the wired components. All fields are required except Quotes
// (nil means attestation is evaluated against an absent quote) and
// Audit (nil disables audit persistence).
type Deps struct {
	Scanner    ScanStage
	Attestor   AttestStage
	Quotes     tee.QuoteSource
	Backtester BacktestStage
	Bench      BenchStage
	Judge      JudgeStage
	Images     ImageChecker
	Audit      *audit.Log
	Metrics    *metrics.Registry
}

// Options tunes one verification.
type Options struct {
	Tier            string
	EnableLLM       bool
	EnableBacktest  bool
	EnableBenchmark bool
	BacktestStart   time.Time
	BacktestEnd     time.Time
	BenchDuration   time.Duration
}

// Verifier runs verification pipelines under shared stage semaphores.
type Verifier struct {
	deps Deps
	cfg  *config.Config

	scanSem     semaphore
	teeSem      semaphore
	backtestSem semaphore
	llmSem      semaphore
}

func New(deps Deps, cfg *config.Config) *Verifier {
	limits := cfg.Limits
	return &Verifier{
		deps:        deps,
		cfg:         cfg,
		scanSem:     newSemaphore(limits.MaxConcurrentScans),
		teeSem:      newSemaphore(limits.MaxConcurrentTEE),
		backtestSem: newSemaphore(limits.MaxConcurrentBacktests),
		llmSem:      newSemaphore(limits.MaxConcurrentLLM),
	}
}

// Verify runs the full pipeline for one image. It returns an error
// only when no score can exist: image not found, agent emitted no
// trades, or the context was cancelled before completion.
func (v *Verifier) Verify(ctx context.Context, imageRef string, opts Options) (*Result, error) {
	start := time.Now()
	id := audit.NewVerificationID(imageRef, start)

	exists, err := v.deps.Images.ImageExists(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("verifier: check image: %w", err)
	}
	if !exists {
		err := fmt.Errorf("%w: %s", backtest.ErrImageNotFound, imageRef)
		v.recordFailure(id, imageRef, opts.Tier, err)
		return nil, err
	}

	if v.deps.Metrics != nil {
		v.deps.Metrics.ActiveVerifications.Inc()
		defer v.deps.Metrics.ActiveVerifications.Dec()
	}

	res := &Result{
		VerificationID: id,
		Image:          imageRef,
		Tier:           opts.Tier,
		Timestamp:      start.UTC(),
		StageErrors:    map[string]string{},
	}
	var mu sync.Mutex
	stageErr := func(stage string, err error) {
		if v.deps.Metrics != nil {
			v.deps.Metrics.StageErrors.WithLabelValues(stage).Inc()
		}
		mu.Lock()
		res.StageErrors[stage] = err.Error()
		mu.Unlock()
	}

	var wg sync.WaitGroup
	scanDone := make(chan struct{})
	var fatalErr error

	// A panic in a stage goroutine would kill the process and every
	// sibling pipeline with it. Each stage goroutine defers guard, which
	// contains the panic to this pipeline and fails it.
	guard := func(stage string) {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("verifier: %s stage panicked: %v", stage, r)
		log.Error().Str("image", imageRef).Str("stage", stage).Interface("panic", r).Msg("stage panicked")
		stageErr(stage, err)
		mu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(scanDone)
		defer guard("scan")
		if err := v.scanSem.acquire(ctx); err != nil {
			stageErr("scan", err)
			return
		}
		defer v.scanSem.release()

		defer v.observeStage("scan", time.Now())
		scanCtx, cancel := context.WithTimeout(ctx, scanDeadline)
		defer cancel()
		report := v.deps.Scanner.Scan(scanCtx, imageRef)
		res.DockerScan = &report
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer guard("tee")
		if err := v.teeSem.acquire(ctx); err != nil {
			stageErr("tee", err)
			return
		}
		defer v.teeSem.release()

		defer v.observeStage("tee", time.Now())
		teeCtx, cancel := context.WithTimeout(ctx, teeDeadline)
		defer cancel()
		res.TEEValidation = v.attest(teeCtx, imageRef, stageErr)
	}()

	if opts.EnableBacktest {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer guard("backtest")
			if err := v.backtestSem.acquire(ctx); err != nil {
				stageErr("backtest", err)
				return
			}
			defer v.backtestSem.release()

			defer v.observeStage("backtest", time.Now())
			btCtx, cancel := context.WithTimeout(ctx, v.backtestDeadline())
			defer cancel()
			result, err := v.deps.Backtester.Run(btCtx, imageRef, backtest.Options{
				Start:        opts.BacktestStart,
				End:          opts.BacktestEnd,
				BacktestMode: true,
			})
			if err != nil {
				stageErr("backtest", err)
				if errors.Is(err, backtest.ErrAgentProducedNoTrades) {
					mu.Lock()
					fatalErr = err
					mu.Unlock()
				}
				return
			}
			res.Backtest = result
		}()
	}

	if opts.EnableBenchmark {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer guard("benchmark")
			// Benchmarks run containers, so they share the backtest
			// semaphore.
			if err := v.backtestSem.acquire(ctx); err != nil {
				stageErr("benchmark", err)
				return
			}
			defer v.backtestSem.release()

			defer v.observeStage("benchmark", time.Now())
			result := v.deps.Bench.Run(ctx, imageRef, bench.Options{Duration: opts.BenchDuration})
			res.PerformanceBenchmark = &result
		}()
	}

	if opts.EnableLLM {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer guard("llm")
			// The judge reads the scan report, so it starts once the
			// scan completes (or the context dies first).
			select {
			case <-scanDone:
			case <-ctx.Done():
				stageErr("llm", ctx.Err())
				return
			}
			if err := v.llmSem.acquire(ctx); err != nil {
				stageErr("llm", err)
				return
			}
			defer v.llmSem.release()

			report := res.DockerScan
			if report == nil {
				report = &scanner.Report{Image: imageRef}
			}
			defer v.observeStage("llm", time.Now())
			llmCtx, cancel := context.WithTimeout(ctx, judgeDeadline)
			defer cancel()
			security := v.deps.Judge.EvaluateSecurity(llmCtx, report)
			comprehensive := v.deps.Judge.EvaluateComprehensive(llmCtx, report)
			res.LLMAnalysis = &judge.Result{Security: &security, Comprehensive: &comprehensive}
		}()
	}

	wg.Wait()

	if ctx.Err() != nil {
		v.recordFailure(id, imageRef, opts.Tier, ctx.Err())
		return nil, fmt.Errorf("verifier: %w", ctx.Err())
	}
	if fatalErr != nil {
		v.recordFailure(id, imageRef, opts.Tier, fatalErr)
		return nil, fatalErr
	}

	if res.Backtest != nil {
		sv := strategy.Verify(res.Backtest)
		res.StrategyVerification = &sv
	}

	var comprehensive *judge.ComprehensiveResult
	var reasoning string
	if res.LLMAnalysis != nil {
		comprehensive = res.LLMAnalysis.Comprehensive
		if comprehensive != nil {
			reasoning = comprehensive.Reasoning
		}
	}
	record := score.Compute(score.Inputs{
		Scan:          res.DockerScan,
		TEE:           res.TEEValidation,
		Bench:         res.PerformanceBenchmark,
		Comprehensive: comprehensive,
		Strategy:      res.StrategyVerification,
	})
	res.FortScore = record.Score
	res.OverallStatus = record.Status
	res.Breakdown = record.Breakdown
	res.Gates = record.Gates
	res.ProcessingTime = time.Since(start)
	if len(res.StageErrors) == 0 {
		res.StageErrors = nil
	}
	if v.deps.Metrics != nil {
		v.deps.Metrics.RecordVerification(string(res.OverallStatus), res.FortScore)
	}

	if v.deps.Audit != nil {
		entry := audit.Entry{
			VerificationID: id,
			Image:          imageRef,
			Tier:           opts.Tier,
			LLMReasoning:   reasoning,
		}
		if err := v.deps.Audit.Append(entry, res); err != nil {
			log.Warn().Err(err).Str("image", imageRef).Msg("audit append failed")
		}
	}

	log.Info().
		Str("image", imageRef).
		Int("fort_score", res.FortScore).
		Str("status", string(res.OverallStatus)).
		Dur("elapsed", res.ProcessingTime).
		Msg("verification complete")
	return res, nil
}

// attest fetches and validates the image's quote. A missing quote is
// validated as an empty document, which yields UNTRUSTED.
func (v *Verifier) attest(ctx context.Context, imageRef string, stageErr func(string, error)) *tee.Result {
	var quote []byte
	if v.deps.Quotes != nil {
		q, err := v.deps.Quotes.QuoteFor(ctx, imageRef)
		if err != nil {
			if !errors.Is(err, tee.ErrNoQuote) {
				stageErr("tee", err)
			}
		} else {
			quote = q
		}
	}
	result := v.deps.Attestor.Validate(ctx, quote)
	return &result
}

func (v *Verifier) observeStage(stage string, start time.Time) {
	if v.deps.Metrics == nil {
		return
	}
	v.deps.Metrics.StageDuration.WithLabelValues(stage, "done").Observe(time.Since(start).Seconds())
}

func (v *Verifier) backtestDeadline() time.Duration {
	// The container run is bounded inside the backtester; the stage
	// deadline adds room for data materialization.
	return v.cfg.Backtest.BacktestTimeout + 60*time.Second
}

func (v *Verifier) recordFailure(id, imageRef, tier string, cause error) {
	if v.deps.Audit == nil {
		return
	}
	entry := audit.Entry{VerificationID: id, Image: imageRef, Tier: tier}
	if err := v.deps.Audit.Append(entry, map[string]string{"error": cause.Error()}); err != nil {
		log.Warn().Err(err).Str("image", imageRef).Msg("audit append failed")
	}
}

// semaphore bounds stage concurrency across all pipelines.
type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	if n <= 0 {
		n = 1
	}
	return make(semaphore, n)
}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }
