// Package score combines scan, attestation, benchmark, judge, and
// strategy outputs into a bounded Fort Score and a verdict. The whole
// package is pure: same inputs, same record.
package score

import (
	"strings"
	"time"

	"github.com/agentfort/fortress/internal/bench"
	"github.com/agentfort/fortress/internal/judge"
	"github.com/agentfort/fortress/internal/scanner"
	"github.com/agentfort/fortress/internal/strategy"
	"github.com/agentfort/fortress/internal/tee"
)

// Status is the overall verdict.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusWarning Status = "WARNING"
	StatusFailed  Status = "FAILED"
)

const (
	baseScore = 100
	minScore  = 0
	maxScore  = 180
)

// seriousFlagMarkers make an LLM behavioral flag count toward the
// hard verdict gates.
var seriousFlagMarkers = []string{"malicious", "suspicious", "high risk", "dangerous"}

// Inputs are the stage outputs feeding the score. Any field may be nil
// when its stage did not run; missing stages contribute nothing.
type Inputs struct {
	Scan          *scanner.Report
	TEE           *tee.Result
	Bench         *bench.Result
	Comprehensive *judge.ComprehensiveResult
	Strategy      *strategy.Verification
}

// Breakdown is the per-category adjustment, each already clamped.
type Breakdown struct {
	Security    float64 `json:"security"`
	LLM         float64 `json:"llm"`
	Behavior    float64 `json:"behavior"`
	Performance float64 `json:"performance"`
}

// Record is the scored verdict.
type Record struct {
	Score     int       `json:"fort_score"`
	Status    Status    `json:"status"`
	Breakdown Breakdown `json:"breakdown"`
	Gates     []string  `json:"gates,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Compute derives the Fort Score record from the stage outputs.
func Compute(in Inputs) Record {
	breakdown := Breakdown{
		Security:    securityAdjustment(in.Scan, in.TEE),
		LLM:         llmAdjustment(in.Comprehensive),
		Behavior:    behaviorAdjustment(in.Bench),
		Performance: performanceAdjustment(in.Strategy),
	}

	total := baseScore + breakdown.Security + breakdown.LLM + breakdown.Behavior + breakdown.Performance
	score := int(total)
	if score < minScore {
		score = minScore
	}
	if score > maxScore {
		score = maxScore
	}

	status, gates := verdict(in)
	return Record{
		Score:     score,
		Status:    status,
		Breakdown: breakdown,
		Gates:     gates,
		Timestamp: time.Now().UTC(),
	}
}

// securityAdjustment scores vulnerabilities, attestation trust, and
// framework detection into [-30, 30].
func securityAdjustment(scan *scanner.Report, att *tee.Result) float64 {
	adj := 0.0

	if scan != nil {
		counts := scan.Counts()
		penalty := float64(counts.Critical*10 + counts.High*5 + counts.Medium*2)
		if penalty > 20 {
			penalty = 20
		}
		adj -= penalty
		if scan.AgentFrameworkDetected {
			adj += 5
		}
	}

	if att != nil {
		if !att.Valid {
			adj -= 10
		} else {
			switch att.TrustLevel {
			case tee.TrustHigh:
				adj += 5
			case tee.TrustMedium:
				adj += 3
			}
		}
	}

	return clamp(adj, -30, 30)
}

// llmAdjustment scores the comprehensive evaluation into [-30, 30].
func llmAdjustment(comp *judge.ComprehensiveResult) float64 {
	if comp == nil {
		return 0
	}

	adj := 0.0
	for _, v := range comp.ScoreAdjustments {
		adj += v
	}

	flagPenalty := float64(len(comp.BehavioralFlags)) * 3
	if flagPenalty > 10 {
		flagPenalty = 10
	}
	adj -= flagPenalty

	adj += (comp.CodeQuality.OverallScore - 0.5) * 10

	systemic := comp.RiskAssessment.SystemicRiskScore
	if systemic > 0.9 {
		adj -= 30
	} else {
		adj -= systemic * 10
	}

	return clamp(adj, -30, 30)
}

// behaviorAdjustment scores runtime telemetry into [-30, 30].
func behaviorAdjustment(b *bench.Result) float64 {
	if b == nil {
		return 0
	}
	perf := b.Performance
	adj := 0.0

	if perf.ThroughputTPS < 500 {
		adj -= 10
	} else if perf.ThroughputTPS > 2000 {
		adj += 5
	}

	if perf.AvgLatencyMs > 100 {
		adj -= 5
	} else if perf.AvgLatencyMs < 20 {
		adj += 5
	}

	if perf.ErrorRatePercent > 5 {
		adj -= 10
	} else if perf.ErrorRatePercent < 1 {
		adj += 5
	}

	return clamp(adj, -30, 30)
}

// performanceAdjustment scores the strategy verification into [-50, 90].
func performanceAdjustment(v *strategy.Verification) float64 {
	if v == nil {
		return 0
	}

	adj := 0.0
	switch v.Status {
	case strategy.StatusVerified:
		adj += 30
	case strategy.StatusPartial:
		adj += 15
	default:
		adj -= 20
	}

	adj += v.Effectiveness / 100 * 30

	switch {
	case v.Risk > 80:
		adj -= 20
	case v.Risk > 60:
		adj -= 10
	case v.Risk < 30:
		adj += 10
	}

	adj += 20 * positiveRegimeFraction(v)

	return clamp(adj, -50, 90)
}

func positiveRegimeFraction(v *strategy.Verification) float64 {
	if len(v.ByRegime) == 0 {
		return 0
	}
	positive := 0
	for _, regime := range v.ByRegime {
		if regime.AnnualizedReturn > 0 {
			positive++
		}
	}
	return float64(positive) / float64(len(v.ByRegime))
}

// verdict evaluates the gates in order. Failure gates outrank warning
// gates; the returned list carries every triggered gate for the audit
// record.
func verdict(in Inputs) (Status, []string) {
	var failed, warned []string

	counts := scanner.SeverityCounts{}
	if in.Scan != nil {
		counts = in.Scan.Counts()
	}
	errorRate := 0.0
	if in.Bench != nil {
		errorRate = in.Bench.Performance.ErrorRatePercent
	}
	serious := 0
	confidence := 1.0
	if in.Comprehensive != nil {
		serious = seriousFlags(in.Comprehensive.BehavioralFlags)
		confidence = in.Comprehensive.Confidence
	}

	if counts.Critical > 0 {
		failed = append(failed, "critical vulnerability present")
	}
	if in.TEE != nil && !in.TEE.Valid {
		failed = append(failed, "attestation invalid")
	}
	if errorRate > 10 {
		failed = append(failed, "error rate above 10%")
	}
	if serious >= 2 {
		failed = append(failed, "multiple serious behavioral flags")
	}
	if in.Strategy != nil && in.Strategy.Status == strategy.StatusFailed {
		failed = append(failed, "strategy verification failed")
	}

	if counts.High > 5 {
		warned = append(warned, "high severity count above 5")
	}
	if errorRate > 5 {
		warned = append(warned, "error rate above 5%")
	}
	if serious >= 1 {
		warned = append(warned, "serious behavioral flag present")
	}
	if confidence < 0.5 {
		warned = append(warned, "low llm confidence")
	}
	if in.Strategy != nil && (in.Strategy.Risk > 80 || in.Strategy.Effectiveness < 40) {
		warned = append(warned, "strategy risk or effectiveness out of band")
	}

	switch {
	case len(failed) > 0:
		return StatusFailed, append(failed, warned...)
	case len(warned) > 0:
		return StatusWarning, warned
	default:
		return StatusPassed, nil
	}
}

func seriousFlags(flags []string) int {
	n := 0
	for _, flag := range flags {
		lower := strings.ToLower(flag)
		for _, marker := range seriousFlagMarkers {
			if strings.Contains(lower, marker) {
				n++
				break
			}
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
