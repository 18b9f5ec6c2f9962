package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfort/fortress/internal/backtest"
	"github.com/agentfort/fortress/internal/bench"
	"github.com/agentfort/fortress/internal/judge"
	"github.com/agentfort/fortress/internal/scanner"
	"github.com/agentfort/fortress/internal/strategy"
	"github.com/agentfort/fortress/internal/tee"
)

func cleanInputs() Inputs {
	return Inputs{
		Scan: &scanner.Report{Image: "agent:v1", AgentFrameworkDetected: true},
		TEE:  &tee.Result{Valid: true, TrustLevel: tee.TrustHigh},
		Bench: &bench.Result{Performance: bench.PerformanceMetrics{
			ThroughputTPS:    2500,
			AvgLatencyMs:     12,
			ErrorRatePercent: 0,
		}},
		Comprehensive: &judge.ComprehensiveResult{
			CodeQuality:    judge.CodeQuality{OverallScore: 0.5},
			RiskAssessment: judge.RiskAssessment{SystemicRiskScore: 0},
			ScoreAdjustments: map[string]float64{
				"risk_management": 15,
			},
			Confidence: 0.85,
		},
		Strategy: &strategy.Verification{
			DetectedStrategy: strategy.StrategyArbitrage,
			Status:           strategy.StatusVerified,
			Effectiveness:    78,
			Risk:             22,
			ByRegime: map[string]backtest.RegimePerformance{
				"bull_2024":     {AnnualizedReturn: 0.4},
				"bear_2024":     {AnnualizedReturn: 0.1},
				"volatile_2024": {AnnualizedReturn: 0.2},
			},
		},
	}
}

func TestCleanAgentClampsAtCeiling(t *testing.T) {
	in := cleanInputs()
	rec := Compute(in)

	// security +10 (HIGH +5, framework +5), llm +15, behavior +15
	// (throughput, latency, and error bonuses), performance
	// 30+23.4+10+20; 100+113.4 clamps at the ceiling.
	assert.Equal(t, 180, rec.Score)
	assert.Equal(t, StatusPassed, rec.Status)
	assert.Empty(t, rec.Gates)
	assert.Equal(t, 10.0, rec.Breakdown.Security)
	assert.Equal(t, 15.0, rec.Breakdown.LLM)
	assert.Equal(t, 15.0, rec.Breakdown.Behavior)
	assert.InDelta(t, 30+0.78*30+10+20, rec.Breakdown.Performance, 1e-9)
}

func TestCriticalVulnerabilityFails(t *testing.T) {
	in := cleanInputs()
	in.Scan.Vulnerabilities = []scanner.Vulnerability{
		{ID: "CVE-2024-0001", Severity: scanner.SeverityCritical},
	}

	rec := Compute(in)

	assert.Equal(t, StatusFailed, rec.Status)
	require.NotEmpty(t, rec.Gates)
	assert.Equal(t, "critical vulnerability present", rec.Gates[0])
	// The score is still computed and clamped, not zeroed.
	assert.GreaterOrEqual(t, rec.Score, 0)
	assert.LessOrEqual(t, rec.Score, 180)
	assert.Equal(t, 0.0, rec.Breakdown.Security) // -10 penalty offsets the +10 bonuses
}

func TestInvalidAttestationFails(t *testing.T) {
	in := cleanInputs()
	in.TEE = &tee.Result{Valid: false, TrustLevel: tee.TrustUntrusted}

	rec := Compute(in)

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Gates, "attestation invalid")
	assert.Equal(t, -5.0, rec.Breakdown.Security) // framework +5, invalid -10
}

func TestLLMFallbackWarns(t *testing.T) {
	in := cleanInputs()
	in.Comprehensive = &judge.ComprehensiveResult{
		Intent:         judge.IntentClassification{RiskProfile: "aggressive"},
		RiskAssessment: judge.RiskAssessment{SystemicRiskScore: 0.5},
		Confidence:     0.1,
	}

	rec := Compute(in)

	assert.Equal(t, StatusWarning, rec.Status)
	assert.Contains(t, rec.Gates, "low llm confidence")
	// (0 - 0.5)*10 - 0.5*10 = -10, within the clamp.
	assert.Equal(t, -10.0, rec.Breakdown.LLM)
}

func TestSeriousBehavioralFlagGates(t *testing.T) {
	in := cleanInputs()
	in.Comprehensive.BehavioralFlags = []string{"suspicious wallet drain pattern"}

	rec := Compute(in)
	assert.Equal(t, StatusWarning, rec.Status)
	assert.Contains(t, rec.Gates, "serious behavioral flag present")

	in.Comprehensive.BehavioralFlags = append(in.Comprehensive.BehavioralFlags,
		"potentially malicious callback host")
	rec = Compute(in)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Gates, "multiple serious behavioral flags")
}

func TestBenignFlagsDoNotGate(t *testing.T) {
	in := cleanInputs()
	in.Comprehensive.BehavioralFlags = []string{"uses aggressive position sizing"}

	rec := Compute(in)

	// The flag penalty applies to the LLM category but no gate fires.
	assert.Equal(t, StatusPassed, rec.Status)
	assert.Equal(t, 12.0, rec.Breakdown.LLM)
}

func TestErrorRateGates(t *testing.T) {
	in := cleanInputs()
	in.Bench.Performance.ErrorRatePercent = 7

	rec := Compute(in)
	assert.Equal(t, StatusWarning, rec.Status)
	assert.Contains(t, rec.Gates, "error rate above 5%")

	in.Bench.Performance.ErrorRatePercent = 12
	rec = Compute(in)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Gates, "error rate above 10%")
}

func TestStrategyFailureGates(t *testing.T) {
	in := cleanInputs()
	in.Strategy.Status = strategy.StatusFailed

	rec := Compute(in)

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Gates, "strategy verification failed")
}

func TestStrategyRiskBandWarns(t *testing.T) {
	in := cleanInputs()
	in.Strategy.Risk = 85

	rec := Compute(in)

	assert.Equal(t, StatusWarning, rec.Status)
	assert.Contains(t, rec.Gates, "strategy risk or effectiveness out of band")
	// risk > 80 also swaps the +10 band bonus for -20.
	assert.InDelta(t, 30+0.78*30-20+20, rec.Breakdown.Performance, 1e-9)
}

func TestVulnerabilityPenaltyCapsAtTwenty(t *testing.T) {
	in := cleanInputs()
	for i := 0; i < 10; i++ {
		in.Scan.Vulnerabilities = append(in.Scan.Vulnerabilities,
			scanner.Vulnerability{Severity: scanner.SeverityHigh})
	}

	rec := Compute(in)

	// 10 highs would be -50 unclamped; the cap holds it at -20.
	assert.Equal(t, -10.0, rec.Breakdown.Security) // -20 + HIGH 5 + framework 5
	assert.Equal(t, StatusWarning, rec.Status)     // high count > 5
	assert.Contains(t, rec.Gates, "high severity count above 5")
}

func TestSystemicRiskFloor(t *testing.T) {
	in := cleanInputs()
	in.Comprehensive.RiskAssessment.SystemicRiskScore = 0.95

	rec := Compute(in)

	// 15 - 30 systemic penalty + 0 quality = -15.
	assert.Equal(t, -15.0, rec.Breakdown.LLM)
}

func TestMissingStagesContributeNothing(t *testing.T) {
	rec := Compute(Inputs{})

	assert.Equal(t, 100, rec.Score)
	assert.Equal(t, StatusPassed, rec.Status)
	assert.Equal(t, Breakdown{}, rec.Breakdown)
}

func TestDeterminism(t *testing.T) {
	in := cleanInputs()
	a := Compute(in)
	b := Compute(in)

	assert.Equal(t, a.Score, b.Score)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.Breakdown, b.Breakdown)
	assert.Equal(t, a.Gates, b.Gates)
}
