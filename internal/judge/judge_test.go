package judge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfort/fortress/internal/scanner"
)

// scriptedProvider answers every prompt with a canned response keyed by
// a substring of the prompt header, or fails outright.
type scriptedProvider struct {
	name      string
	responses map[string]string
	fallback  string
	err       error
	calls     int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Call(_ context.Context, prompt string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	for key, resp := range p.responses {
		if key != "" && containsAny(prompt, key) {
			return resp, nil
		}
	}
	return p.fallback, nil
}

func fenced(body string) string {
	return "Here is my analysis:\n```json\n" + body + "\n```\n"
}

func testReport() *scanner.Report {
	return &scanner.Report{
		Image: "trading-agent:v1",
		Size:  256 << 20,
		Layers: []scanner.Layer{
			{Command: "RUN pip install ccxt web3"},
			{Command: "COPY config.yaml /app/config.yaml"},
			{Command: "CMD [\"python\", \"run.py\"]"},
		},
		AgentFrameworkDetected: true,
	}
}

func goodAnalyzerResponses() map[string]string {
	return map[string]string{
		"Private Key Security": fenced(`{
			"has_plaintext_keys": false,
			"key_generation_secure": true,
			"key_storage_encrypted": true,
			"key_rotation_implemented": true,
			"key_exposure_risk": "low",
			"security_concerns": [],
			"code_references": []
		}`),
		"Transaction Authorization": fenced(`{
			"has_spending_limits": true,
			"has_approval_mechanisms": true,
			"emergency_stop_present": true,
			"cross_chain_controls": true,
			"transaction_monitoring": true,
			"control_strength": "strong",
			"control_gaps": []
		}`),
		"Deception and Malicious": fenced(`{
			"backdoor_detected": false,
			"time_bomb_detected": false,
			"obfuscated_code_found": false,
			"data_exfiltration_risk": false,
			"environment_specific_behavior": false,
			"deception_indicators": [],
			"risk_level": "low"
		}`),
		"Capital Risk": fenced(`{
			"max_loss_bounded": true,
			"position_size_controls": true,
			"stop_loss_implemented": true,
			"leverage_controls": true,
			"flash_loan_usage": false,
			"risk_controls_adequate": true,
			"estimated_max_loss": "2% of capital"
		}`),
	}
}

func TestTrustAssessmentAllControlsPresent(t *testing.T) {
	key := KeySecurity{KeyGenerationSecure: true, KeyStorageEncrypted: true, KeyRotationImplemented: true, KeyExposureRisk: "low"}
	tx := TransactionControls{HasSpendingLimits: true, HasApprovalMechanisms: true, EmergencyStopPresent: true, TransactionMonitoring: true, ControlStrength: "strong"}
	dec := Deception{RiskLevel: "low"}
	capital := CapitalRisk{MaxLossBounded: true, PositionSizeControls: true, StopLossImplemented: true, RiskControlsAdequate: true}

	result := CalculateTrustAssessment(key, tx, dec, capital)

	assert.InDelta(t, 1.0, result.TrustScore, 1e-9)
	assert.True(t, result.CanTrustWithCapital)
	assert.Empty(t, result.CriticalVulnerabilities)
	assert.Equal(t, RecommendDeploy, result.Recommendation)
}

func TestTrustAssessmentWeights(t *testing.T) {
	// Only the key component is fully satisfied; spending limits are
	// present so it does not become a critical.
	key := KeySecurity{KeyGenerationSecure: true, KeyStorageEncrypted: true, KeyRotationImplemented: true, KeyExposureRisk: "low"}
	tx := TransactionControls{HasSpendingLimits: true, ControlStrength: "moderate"}
	dec := Deception{BackdoorDetected: false, TimeBombDetected: true, ObfuscatedCodeFound: true, RiskLevel: "high"}
	capital := CapitalRisk{}

	result := CalculateTrustAssessment(key, tx, dec, capital)

	// key 1.0*0.3 + tx 0.4*0.25 + deception 0.5*0.2 + capital 0.0*0.25
	assert.InDelta(t, 0.3+0.1+0.1, result.TrustScore, 1e-9)
	assert.False(t, result.CanTrustWithCapital)
	assert.Equal(t, RecommendCaution, result.Recommendation)
}

func TestTrustAssessmentCriticals(t *testing.T) {
	key := KeySecurity{HasPlaintextKeys: true, KeyExposureRisk: "critical"}
	tx := TransactionControls{ControlStrength: "weak"}
	dec := Deception{BackdoorDetected: true, RiskLevel: "critical"}
	capital := CapitalRisk{FlashLoanUsage: true, EstimatedMaxLoss: "unlimited"}

	result := CalculateTrustAssessment(key, tx, dec, capital)

	assert.Len(t, result.CriticalVulnerabilities, 4)
	assert.False(t, result.CanTrustWithCapital)
	assert.Equal(t, RecommendDoNotDeploy, result.Recommendation)
	assert.Contains(t, result.Recommendations, "CRITICAL: Implement secure key storage (TEE/encryption)")
	assert.Contains(t, result.Recommendations, "CRITICAL: Add transaction spending limits")
}

func TestTrustAssessmentDeceptionFloor(t *testing.T) {
	dec := Deception{BackdoorDetected: true, TimeBombDetected: true, ObfuscatedCodeFound: true, RiskLevel: "critical"}
	result := CalculateTrustAssessment(KeySecurity{}, TransactionControls{HasSpendingLimits: true}, dec, CapitalRisk{})

	// Deception component floors at zero rather than going negative;
	// the key component still earns its no-plaintext share.
	assert.InDelta(t, 0.4*0.3+0.4*0.25, result.TrustScore, 1e-9)
}

func TestParseKeySecurityDefaults(t *testing.T) {
	// Absent fields take the conservative side, not Go zero values.
	out := parseKeySecurity(fenced(`{"key_generation_secure": true}`))

	assert.True(t, out.HasPlaintextKeys)
	assert.True(t, out.KeyGenerationSecure)
	assert.Equal(t, "high", out.KeyExposureRisk)
	assert.Equal(t, []string{"Unable to analyze"}, out.SecurityConcerns)
}

func TestParseCapitalRiskDefaults(t *testing.T) {
	out := parseCapitalRisk(fenced(`{"max_loss_bounded": true}`))

	assert.True(t, out.MaxLossBounded)
	assert.True(t, out.FlashLoanUsage)
	assert.Equal(t, "unlimited", out.EstimatedMaxLoss)
}

func TestParseGarbageFallsBack(t *testing.T) {
	out := parseDeception("the model refused to answer")

	assert.True(t, out.ObfuscatedCodeFound)
	assert.True(t, out.DataExfiltrationRisk)
	assert.Equal(t, "high", out.RiskLevel)
	assert.Equal(t, []string{"Analysis failed - comprehensive manual review required"}, out.DeceptionIndicators)
}

func TestExtractJSON(t *testing.T) {
	raw, err := extractJSON(fenced(`{"a": 1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(raw))

	raw, err = extractJSON(`  {"bare": true}  `)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bare": true}`, string(raw))

	_, err = extractJSON("no json here")
	require.ErrorIs(t, err, ErrProviderParse)
}

func TestEvaluateSecurityHappyPath(t *testing.T) {
	primary := &scriptedProvider{name: "primary", responses: goodAnalyzerResponses()}
	j := NewWithProviders(primary, nil, false)

	result := j.EvaluateSecurity(context.Background(), testReport())

	assert.True(t, result.CanTrustWithCapital)
	assert.InDelta(t, 1.0, result.TrustScore, 1e-9)
	assert.Equal(t, 4, primary.calls)
}

func TestEvaluateSecurityProviderDownIsConservative(t *testing.T) {
	primary := &scriptedProvider{name: "primary", err: errors.New("connection refused")}
	j := NewWithProviders(primary, nil, false)

	result := j.EvaluateSecurity(context.Background(), testReport())

	// Every analyzer fell back, so the fused result carries all the
	// conservative criticals.
	assert.False(t, result.CanTrustWithCapital)
	assert.Equal(t, RecommendDoNotDeploy, result.Recommendation)
	assert.True(t, result.KeySecurity.HasPlaintextKeys)
	assert.Equal(t, "weak", result.TransactionControls.ControlStrength)
	assert.Equal(t, "unlimited", result.CapitalRisk.EstimatedMaxLoss)
}

func TestEvaluateSecurityNoProvider(t *testing.T) {
	j := NewWithProviders(nil, nil, false)

	result := j.EvaluateSecurity(context.Background(), testReport())

	assert.Equal(t, 0.0, result.TrustScore)
	assert.Equal(t, 0.1, result.Confidence)
	assert.Equal(t, RecommendDoNotDeploy, result.Recommendation)
	assert.Contains(t, result.Reasoning, "conservative defaults")
}

func TestEvaluateSecurityEnsemble(t *testing.T) {
	primary := &scriptedProvider{name: "primary", responses: goodAnalyzerResponses()}
	secondary := &scriptedProvider{name: "secondary", err: errors.New("down")}
	j := NewWithProviders(primary, secondary, true)

	result := j.EvaluateSecurity(context.Background(), testReport())

	// The secondary's fallback verdicts drag the fused result down and
	// its criticals survive the union. The fallback analyzers score
	// only the partial deception component: (1-0.2)*0.2.
	assert.InDelta(t, 0.7*1.0+0.3*(0.8*0.2), result.TrustScore, 1e-9)
	assert.False(t, result.CanTrustWithCapital)
	assert.Equal(t, RecommendDoNotDeploy, result.Recommendation)
	assert.Equal(t, 4, secondary.calls)
}

func TestCombineSecurityCollapsesRecommendation(t *testing.T) {
	p := SecurityResult{TrustScore: 0.9, Confidence: 0.85, CanTrustWithCapital: true, Recommendation: RecommendDeploy,
		Recommendations: []string{"shared", "primary only"}}
	s := SecurityResult{TrustScore: 0.5, Confidence: 0.85, Recommendation: RecommendCaution,
		Recommendations: []string{"shared", "secondary only"}}

	out := CombineSecurity(p, s, 0.7, 0.3)

	assert.InDelta(t, 0.7*0.9+0.3*0.5, out.TrustScore, 1e-9)
	assert.False(t, out.CanTrustWithCapital)
	assert.Equal(t, RecommendCaution, out.Recommendation)
	assert.ElementsMatch(t, []string{"shared", "primary only", "secondary only"}, out.Recommendations)
}

func comprehensiveResponse(confidence, adjustment float64) string {
	return fenced(fmt.Sprintf(`{
		"intent_classification": {"primary_strategy": "arbitrage", "risk_profile": "moderate", "complexity_score": 0.6, "confidence": 0.8},
		"code_quality": {"overall_score": 0.7, "key_findings": ["clean module layout"]},
		"risk_assessment": {"systemic_risk_score": 0.2, "liquidity_requirements": "medium"},
		"behavioral_flags": [],
		"score_adjustments": {"risk_management": %g},
		"confidence_level": %g,
		"reasoning": "looks fine"
	}`, adjustment, confidence))
}

func TestEvaluateComprehensive(t *testing.T) {
	primary := &scriptedProvider{name: "primary", fallback: comprehensiveResponse(0.9, 10)}
	j := NewWithProviders(primary, nil, false)

	result := j.EvaluateComprehensive(context.Background(), testReport())

	assert.Equal(t, "arbitrage", result.Intent.PrimaryStrategy)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, 10.0, result.ScoreAdjustments["risk_management"])
}

func TestEvaluateComprehensiveFallsOverToSecondary(t *testing.T) {
	primary := &scriptedProvider{name: "primary", err: errors.New("timeout")}
	secondary := &scriptedProvider{name: "secondary", fallback: comprehensiveResponse(0.6, -5)}
	j := NewWithProviders(primary, secondary, false)

	result := j.EvaluateComprehensive(context.Background(), testReport())

	assert.Equal(t, 0.6, result.Confidence)
	assert.Equal(t, -5.0, result.ScoreAdjustments["risk_management"])
}

func TestEvaluateComprehensiveBothDeadIsConservative(t *testing.T) {
	primary := &scriptedProvider{name: "primary", err: errors.New("timeout")}
	secondary := &scriptedProvider{name: "secondary", err: errors.New("503")}
	j := NewWithProviders(primary, secondary, false)

	result := j.EvaluateComprehensive(context.Background(), testReport())

	assert.Equal(t, 0.1, result.Confidence)
	assert.Equal(t, "aggressive", result.Intent.RiskProfile)
	assert.Contains(t, result.Reasoning, "conservative defaults")
}

func TestEvaluateComprehensiveEnsembleAverages(t *testing.T) {
	primary := &scriptedProvider{name: "primary", fallback: comprehensiveResponse(0.9, 10)}
	secondary := &scriptedProvider{name: "secondary", fallback: comprehensiveResponse(0.5, -10)}
	j := NewWithProviders(primary, secondary, true)

	result := j.EvaluateComprehensive(context.Background(), testReport())

	assert.InDelta(t, 0.7*0.9+0.3*0.5, result.Confidence, 1e-9)
	assert.InDelta(t, 0.7*10-0.3*10, result.ScoreAdjustments["risk_management"], 1e-9)
	assert.Equal(t, "arbitrage", result.Intent.PrimaryStrategy)
}

func TestParseComprehensiveDefaultsAndClamps(t *testing.T) {
	result, err := parseComprehensive(fenced(`{
		"intent_classification": {"primary_strategy": "momentum"},
		"score_adjustments": {"innovative_strategy": 120, "risk_management": -80}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 0.5, result.Confidence)
	assert.Equal(t, 50.0, result.ScoreAdjustments["innovative_strategy"])
	assert.Equal(t, -50.0, result.ScoreAdjustments["risk_management"])
}

func TestBuildContextExtractsLayerPatterns(t *testing.T) {
	ec := BuildContext(testReport())

	assert.Equal(t, "trading-agent:v1", ec.Image)
	assert.True(t, ec.FrameworkDetected)
	require.Len(t, ec.Dependencies, 1)
	assert.Contains(t, ec.Dependencies[0], "pip install")
	require.Len(t, ec.Configurations, 1)
	require.Len(t, ec.Commands, 1)

	summary := ec.summary()
	assert.Contains(t, summary, "trading-agent:v1")
	assert.Contains(t, summary, "Dependency installs")
}
