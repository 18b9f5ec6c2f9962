package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfort/fortress/internal/config"
	"github.com/agentfort/fortress/internal/scanner"
)

// Judge runs LLM security and comprehensive evaluations over an image
// report. All failures collapse into conservative results; Evaluate*
// never returns an error to the orchestrator.
type Judge struct {
	primary        Provider
	secondary      Provider
	enableEnsemble bool
}

// New builds a judge from config. Providers that cannot be constructed
// (missing API key) are left nil and trigger the fallback path.
func New(cfg config.LLMConfig) *Judge {
	j := &Judge{enableEnsemble: cfg.EnableEnsemble}

	primary, err := NewProvider(cfg.PrimaryProvider, cfg)
	if err != nil {
		log.Warn().Str("provider", cfg.PrimaryProvider).Err(err).Msg("primary llm provider unavailable")
	} else {
		j.primary = primary
	}

	if cfg.FallbackProvider != "" && cfg.FallbackProvider != cfg.PrimaryProvider {
		secondary, err := NewProvider(cfg.FallbackProvider, cfg)
		if err != nil {
			log.Warn().Str("provider", cfg.FallbackProvider).Err(err).Msg("fallback llm provider unavailable")
		} else {
			j.secondary = secondary
		}
	}
	return j
}

// NewWithProviders wires explicit providers; used by tests and local
// deployments.
func NewWithProviders(primary, secondary Provider, enableEnsemble bool) *Judge {
	return &Judge{primary: primary, secondary: secondary, enableEnsemble: enableEnsemble}
}

// EvaluateSecurity runs the four analyzers and fuses their verdicts.
// A dead primary falls over to the secondary; no provider at all yields
// the conservative fallback.
func (j *Judge) EvaluateSecurity(ctx context.Context, report *scanner.Report) SecurityResult {
	provider := j.pickProvider()
	if provider == nil {
		return FallbackSecurityResult("no llm provider reachable")
	}

	ec := BuildContext(report)
	key := analyzeKeySecurity(ctx, ec, provider)
	tx := analyzeTransactionControls(ctx, ec, provider)
	dec := analyzeDeception(ctx, ec, provider)
	capital := analyzeCapitalRisk(ctx, ec, provider)

	result := CalculateTrustAssessment(key, tx, dec, capital)

	if j.enableEnsemble && j.secondary != nil && provider != j.secondary {
		sKey := analyzeKeySecurity(ctx, ec, j.secondary)
		sTx := analyzeTransactionControls(ctx, ec, j.secondary)
		sDec := analyzeDeception(ctx, ec, j.secondary)
		sCapital := analyzeCapitalRisk(ctx, ec, j.secondary)
		secondary := CalculateTrustAssessment(sKey, sTx, sDec, sCapital)
		result = CombineSecurity(result, secondary, 0.7, 0.3)
	}

	log.Info().
		Str("image", report.Image).
		Float64("trust_score", result.TrustScore).
		Bool("can_trust", result.CanTrustWithCapital).
		Msg("security evaluation complete")
	return result
}

// EvaluateComprehensive runs the single-prompt evaluation, with
// ensemble fusion when enabled and a secondary result is available.
func (j *Judge) EvaluateComprehensive(ctx context.Context, report *scanner.Report) ComprehensiveResult {
	ec := BuildContext(report)

	primary, err := j.runComprehensive(ctx, ec, j.primary)
	if err != nil {
		log.Warn().Err(err).Msg("primary comprehensive evaluation failed")
		secondary, serr := j.runComprehensive(ctx, ec, j.secondary)
		if serr != nil {
			return FallbackComprehensiveResult(fmt.Sprintf("primary: %v; secondary: %v", err, serr))
		}
		return secondary
	}

	if j.enableEnsemble && j.secondary != nil {
		secondary, serr := j.runComprehensive(ctx, ec, j.secondary)
		if serr != nil {
			log.Warn().Err(serr).Msg("ensemble evaluation failed, using primary result")
			return primary
		}
		return combineComprehensive(primary, secondary, 0.7, 0.3)
	}
	return primary
}

func (j *Judge) pickProvider() Provider {
	if j.primary != nil {
		return j.primary
	}
	return j.secondary
}

func (j *Judge) runComprehensive(ctx context.Context, ec EvalContext, provider Provider) (ComprehensiveResult, error) {
	if provider == nil {
		return ComprehensiveResult{}, fmt.Errorf("%w: no provider", ErrLLMUnavailable)
	}
	response, err := provider.Call(ctx, comprehensivePrompt(ec))
	if err != nil {
		return ComprehensiveResult{}, err
	}
	return parseComprehensive(response)
}

func parseComprehensive(response string) (ComprehensiveResult, error) {
	raw, err := extractJSON(response)
	if err != nil {
		return ComprehensiveResult{}, err
	}

	var result ComprehensiveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ComprehensiveResult{}, fmt.Errorf("%w: %v", ErrProviderParse, err)
	}
	if result.Confidence == 0 {
		result.Confidence = 0.5
	}
	// Declared adjustments are bounded before scoring sees them.
	for k, v := range result.ScoreAdjustments {
		if v > 50 {
			result.ScoreAdjustments[k] = 50
		} else if v < -50 {
			result.ScoreAdjustments[k] = -50
		}
	}
	result.Timestamp = time.Now().UTC()
	return result, nil
}

// combineComprehensive fuses two evaluations: numeric fields by
// weighted average, enums from the primary, set fields by union.
func combineComprehensive(p, s ComprehensiveResult, pw, sw float64) ComprehensiveResult {
	avg := func(a, b float64) float64 { return pw*a + sw*b }

	out := ComprehensiveResult{
		Intent: IntentClassification{
			PrimaryStrategy: p.Intent.PrimaryStrategy,
			RiskProfile:     p.Intent.RiskProfile,
			ComplexityScore: avg(p.Intent.ComplexityScore, s.Intent.ComplexityScore),
			Confidence:      avg(p.Intent.Confidence, s.Intent.Confidence),
		},
		CodeQuality: CodeQuality{
			ArchitectureScore:      avg(p.CodeQuality.ArchitectureScore, s.CodeQuality.ArchitectureScore),
			ErrorHandlingScore:     avg(p.CodeQuality.ErrorHandlingScore, s.CodeQuality.ErrorHandlingScore),
			SecurityPracticesScore: avg(p.CodeQuality.SecurityPracticesScore, s.CodeQuality.SecurityPracticesScore),
			MaintainabilityScore:   avg(p.CodeQuality.MaintainabilityScore, s.CodeQuality.MaintainabilityScore),
			TestCoverageScore:      avg(p.CodeQuality.TestCoverageScore, s.CodeQuality.TestCoverageScore),
			OverallScore:           avg(p.CodeQuality.OverallScore, s.CodeQuality.OverallScore),
			KeyFindings:            union(p.CodeQuality.KeyFindings, s.CodeQuality.KeyFindings),
		},
		RiskAssessment: RiskAssessment{
			VolatilitySensitivity: avg(p.RiskAssessment.VolatilitySensitivity, s.RiskAssessment.VolatilitySensitivity),
			LiquidityRequirements: p.RiskAssessment.LiquidityRequirements,
			SystemicRiskScore:     avg(p.RiskAssessment.SystemicRiskScore, s.RiskAssessment.SystemicRiskScore),
			MarketImpactScore:     avg(p.RiskAssessment.MarketImpactScore, s.RiskAssessment.MarketImpactScore),
			OperationalRiskScore:  avg(p.RiskAssessment.OperationalRiskScore, s.RiskAssessment.OperationalRiskScore),
			RegulatoryRiskScore:   avg(p.RiskAssessment.RegulatoryRiskScore, s.RiskAssessment.RegulatoryRiskScore),
		},
		BehavioralFlags:  union(p.BehavioralFlags, s.BehavioralFlags),
		ScoreAdjustments: make(map[string]float64),
		Confidence:       avg(p.Confidence, s.Confidence),
		Reasoning:        p.Reasoning,
		Timestamp:        time.Now().UTC(),
	}

	for k, v := range p.ScoreAdjustments {
		out.ScoreAdjustments[k] = avg(v, s.ScoreAdjustments[k])
	}
	for k, v := range s.ScoreAdjustments {
		if _, seen := p.ScoreAdjustments[k]; !seen {
			out.ScoreAdjustments[k] = avg(0, v)
		}
	}
	return out
}

// CombineSecurity fuses two security results the same way: numeric
// weighted average, enums from primary, unions, and the most
// conservative recommendation.
func CombineSecurity(p, s SecurityResult, pw, sw float64) SecurityResult {
	out := p
	out.TrustScore = pw*p.TrustScore + sw*s.TrustScore
	out.Confidence = pw*p.Confidence + sw*s.Confidence
	out.CanTrustWithCapital = p.CanTrustWithCapital && s.CanTrustWithCapital
	out.CriticalVulnerabilities = union(p.CriticalVulnerabilities, s.CriticalVulnerabilities)
	out.Recommendations = union(p.Recommendations, s.Recommendations)
	out.Recommendation = collapseRecommendation(p.Recommendation, s.Recommendation)
	out.Timestamp = time.Now().UTC()
	return out
}

// FallbackSecurityResult is the conservative verdict used when no
// provider can be reached: worst-case analyzer defaults fused through
// the normal arithmetic, confidence floored.
func FallbackSecurityResult(reason string) SecurityResult {
	result := CalculateTrustAssessment(
		fallbackKeySecurity(),
		fallbackTransactionControls(),
		fallbackDeception(),
		fallbackCapitalRisk(),
	)
	result.TrustScore = 0.0
	result.CanTrustWithCapital = false
	result.Confidence = 0.1
	result.Recommendation = RecommendDoNotDeploy
	result.Reasoning = "LLM security evaluation unavailable (" + reason + "); conservative defaults applied. Manual review required before deployment."
	return result
}

// FallbackComprehensiveResult mirrors the security fallback for the
// comprehensive shape.
func FallbackComprehensiveResult(reason string) ComprehensiveResult {
	return ComprehensiveResult{
		Intent: IntentClassification{
			PrimaryStrategy: "unknown",
			RiskProfile:     "aggressive",
			ComplexityScore: 0.5,
			Confidence:      0.1,
		},
		CodeQuality:    CodeQuality{},
		RiskAssessment: RiskAssessment{SystemicRiskScore: 0.5, LiquidityRequirements: "high"},
		BehavioralFlags: []string{
			"llm evaluation unavailable",
		},
		ScoreAdjustments: map[string]float64{},
		Confidence:       0.1,
		Reasoning:        "LLM evaluation unavailable (" + reason + "); conservative defaults applied.",
		Timestamp:        time.Now().UTC(),
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, items := range [][]string{a, b} {
		for _, item := range items {
			if !seen[item] {
				seen[item] = true
				out = append(out, item)
			}
		}
	}
	return out
}
