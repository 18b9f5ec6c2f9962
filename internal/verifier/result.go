package verifier

import (
	"time"

	"github.com/agentfort/fortress/internal/backtest"
	"github.com/agentfort/fortress/internal/bench"
	"github.com/agentfort/fortress/internal/judge"
	"github.com/agentfort/fortress/internal/scanner"
	"github.com/agentfort/fortress/internal/score"
	"github.com/agentfort/fortress/internal/strategy"
	"github.com/agentfort/fortress/internal/tee"
)

// Result is the complete verification payload for one agent image.
// Stage failures appear as nil sections plus an entry in StageErrors;
// the score always exists when the image was loadable.
type Result struct {
	VerificationID       string                 `json:"verification_id"`
	Image                string                 `json:"image"`
	Tier                 string                 `json:"tier"`
	Timestamp            time.Time              `json:"timestamp"`
	DockerScan           *scanner.Report        `json:"docker_scan"`
	TEEValidation        *tee.Result            `json:"tee_validation"`
	PerformanceBenchmark *bench.Result          `json:"performance_benchmark"`
	Backtest             *backtest.Result       `json:"backtest,omitempty"`
	LLMAnalysis          *judge.Result          `json:"llm_analysis"`
	StrategyVerification *strategy.Verification `json:"strategy_verification"`
	FortScore            int                    `json:"agent_fort_score"`
	OverallStatus        score.Status           `json:"overall_status"`
	Breakdown            score.Breakdown        `json:"score_breakdown"`
	Gates                []string               `json:"gates,omitempty"`
	StageErrors          map[string]string      `json:"stage_errors,omitempty"`
	ProcessingTime       time.Duration          `json:"processing_time"`
}

// Failure records an agent whose pipeline produced no score at all.
type Failure struct {
	Image string `json:"image"`
	Error string `json:"error"`
}

// BatchResult aggregates a batch run, order-preserving over the input
// image list.
type BatchResult struct {
	Total            int           `json:"total"`
	Successful       int           `json:"successful"`
	Failed           int           `json:"failed"`
	AverageFortScore float64       `json:"average_fort_score"`
	ProcessingTime   time.Duration `json:"processing_time"`
	Results          []*Result     `json:"results"`
	Failures         []Failure     `json:"failures,omitempty"`
}
