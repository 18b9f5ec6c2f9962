// Package judge performs LLM-based security review of agent images:
// four focused analyzers fused into a deterministic trust assessment,
// plus a single comprehensive evaluation. Judge failures never surface
// as errors; they collapse into conservative fallback results.
package judge

import "time"

// Recommendation is the deployment verdict, ordered most to least
// conservative for ensemble collapse.
type Recommendation string

const (
	RecommendDoNotDeploy Recommendation = "DO_NOT_DEPLOY"
	RecommendCaution     Recommendation = "CAUTION"
	RecommendDeploy      Recommendation = "DEPLOY"
)

// KeySecurity is the key-handling analyzer verdict.
type KeySecurity struct {
	HasPlaintextKeys       bool     `json:"has_plaintext_keys"`
	KeyGenerationSecure    bool     `json:"key_generation_secure"`
	KeyStorageEncrypted    bool     `json:"key_storage_encrypted"`
	KeyRotationImplemented bool     `json:"key_rotation_implemented"`
	KeyExposureRisk        string   `json:"key_exposure_risk"` // low|medium|high|critical
	SecurityConcerns       []string `json:"security_concerns,omitempty"`
	CodeReferences         []string `json:"code_references,omitempty"`
}

// TransactionControls is the authorization-controls analyzer verdict.
type TransactionControls struct {
	HasSpendingLimits     bool     `json:"has_spending_limits"`
	HasApprovalMechanisms bool     `json:"has_approval_mechanisms"`
	EmergencyStopPresent  bool     `json:"emergency_stop_present"`
	CrossChainControls    bool     `json:"cross_chain_controls"`
	TransactionMonitoring bool     `json:"transaction_monitoring"`
	ControlStrength       string   `json:"control_strength"` // strong|moderate|weak
	ControlGaps           []string `json:"control_gaps,omitempty"`
}

// Deception is the malicious-pattern analyzer verdict.
type Deception struct {
	BackdoorDetected            bool     `json:"backdoor_detected"`
	TimeBombDetected            bool     `json:"time_bomb_detected"`
	ObfuscatedCodeFound         bool     `json:"obfuscated_code_found"`
	DataExfiltrationRisk        bool     `json:"data_exfiltration_risk"`
	EnvironmentSpecificBehavior bool     `json:"environment_specific_behavior"`
	DeceptionIndicators         []string `json:"deception_indicators,omitempty"`
	RiskLevel                   string   `json:"risk_level"` // low|medium|high|critical
}

// CapitalRisk is the financial-risk analyzer verdict.
type CapitalRisk struct {
	MaxLossBounded       bool   `json:"max_loss_bounded"`
	PositionSizeControls bool   `json:"position_size_controls"`
	StopLossImplemented  bool   `json:"stop_loss_implemented"`
	LeverageControls     bool   `json:"leverage_controls"`
	FlashLoanUsage       bool   `json:"flash_loan_usage"`
	RiskControlsAdequate bool   `json:"risk_controls_adequate"`
	EstimatedMaxLoss     string `json:"estimated_max_loss"`
}

// SecurityResult is the fused security shape consumed by scoring.
type SecurityResult struct {
	CanTrustWithCapital     bool                `json:"can_trust_with_capital"`
	TrustScore              float64             `json:"trust_score"` // [0,1]
	KeySecurity             KeySecurity         `json:"key_security"`
	TransactionControls     TransactionControls `json:"transaction_controls"`
	Deception               Deception           `json:"deception_analysis"`
	CapitalRisk             CapitalRisk         `json:"capital_risk"`
	CriticalVulnerabilities []string            `json:"critical_vulnerabilities,omitempty"`
	Recommendations         []string            `json:"security_recommendations,omitempty"`
	Confidence              float64             `json:"confidence_level"`
	Reasoning               string              `json:"reasoning"`
	Recommendation          Recommendation      `json:"recommendation"`
	Timestamp               time.Time           `json:"timestamp"`
}

// IntentClassification labels what the agent claims to do.
type IntentClassification struct {
	PrimaryStrategy string  `json:"primary_strategy"`
	RiskProfile     string  `json:"risk_profile"` // conservative|moderate|aggressive
	ComplexityScore float64 `json:"complexity_score"`
	Confidence      float64 `json:"confidence"`
}

// CodeQuality scores implementation quality in [0,1] per axis.
type CodeQuality struct {
	ArchitectureScore      float64  `json:"architecture_score"`
	ErrorHandlingScore     float64  `json:"error_handling_score"`
	SecurityPracticesScore float64  `json:"security_practices_score"`
	MaintainabilityScore   float64  `json:"maintainability_score"`
	TestCoverageScore      float64  `json:"test_coverage_score"`
	OverallScore           float64  `json:"overall_score"`
	KeyFindings            []string `json:"key_findings,omitempty"`
}

// RiskAssessment scores market and operational risk in [0,1] per axis.
type RiskAssessment struct {
	VolatilitySensitivity float64 `json:"volatility_sensitivity"`
	LiquidityRequirements string  `json:"liquidity_requirements"` // low|medium|high
	SystemicRiskScore     float64 `json:"systemic_risk_score"`
	MarketImpactScore     float64 `json:"market_impact_score"`
	OperationalRiskScore  float64 `json:"operational_risk_score"`
	RegulatoryRiskScore   float64 `json:"regulatory_risk_score"`
}

// ComprehensiveResult is the single-prompt evaluation shape.
type ComprehensiveResult struct {
	Intent           IntentClassification `json:"intent_classification"`
	CodeQuality      CodeQuality          `json:"code_quality"`
	RiskAssessment   RiskAssessment       `json:"risk_assessment"`
	BehavioralFlags  []string             `json:"behavioral_flags,omitempty"`
	ScoreAdjustments map[string]float64   `json:"score_adjustments,omitempty"`
	Confidence       float64              `json:"confidence_level"`
	Reasoning        string               `json:"reasoning"`
	Timestamp        time.Time            `json:"timestamp"`
}

// Result bundles both shapes for downstream consumers.
type Result struct {
	Security      *SecurityResult      `json:"security,omitempty"`
	Comprehensive *ComprehensiveResult `json:"comprehensive,omitempty"`
}

// collapseRecommendation keeps the most conservative of two verdicts.
func collapseRecommendation(a, b Recommendation) Recommendation {
	order := map[Recommendation]int{
		RecommendDoNotDeploy: 0,
		RecommendCaution:     1,
		RecommendDeploy:      2,
	}
	if order[b] < order[a] {
		return b
	}
	return a
}
