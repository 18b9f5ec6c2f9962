package judge

import (
	"fmt"
	"time"
)

// CalculateTrustAssessment fuses the four analyzer verdicts into the
// security shape. Fully deterministic; the only nondeterminism in the
// judge lives in the model responses themselves.
func CalculateTrustAssessment(key KeySecurity, tx TransactionControls, dec Deception, capital CapitalRisk) SecurityResult {
	var criticals []string
	if key.HasPlaintextKeys {
		criticals = append(criticals, "Private keys stored in plaintext")
	}
	if !tx.HasSpendingLimits {
		criticals = append(criticals, "No transaction spending limits")
	}
	if dec.BackdoorDetected {
		criticals = append(criticals, "Backdoor access detected")
	}
	if dec.RiskLevel == "critical" {
		criticals = append(criticals, "Critical deception patterns detected")
	}

	trust := 0.0

	keyScore := 0.0
	if !key.HasPlaintextKeys {
		keyScore += 0.4
	}
	if key.KeyGenerationSecure {
		keyScore += 0.3
	}
	if key.KeyStorageEncrypted {
		keyScore += 0.2
	}
	if key.KeyRotationImplemented {
		keyScore += 0.1
	}
	trust += keyScore * 0.3

	txScore := 0.0
	if tx.HasSpendingLimits {
		txScore += 0.4
	}
	if tx.HasApprovalMechanisms {
		txScore += 0.3
	}
	if tx.EmergencyStopPresent {
		txScore += 0.2
	}
	if tx.TransactionMonitoring {
		txScore += 0.1
	}
	trust += txScore * 0.25

	decScore := 1.0
	if dec.BackdoorDetected {
		decScore -= 0.5
	}
	if dec.TimeBombDetected {
		decScore -= 0.3
	}
	if dec.ObfuscatedCodeFound {
		decScore -= 0.2
	}
	if decScore < 0 {
		decScore = 0
	}
	trust += decScore * 0.2

	capScore := 0.0
	if capital.MaxLossBounded {
		capScore += 0.3
	}
	if capital.PositionSizeControls {
		capScore += 0.3
	}
	if capital.StopLossImplemented {
		capScore += 0.2
	}
	if capital.RiskControlsAdequate {
		capScore += 0.2
	}
	trust += capScore * 0.25

	canTrust := len(criticals) == 0 &&
		trust > 0.8 &&
		(key.KeyExposureRisk == "low" || key.KeyExposureRisk == "medium") &&
		tx.ControlStrength != "weak"

	var recommendations []string
	if key.HasPlaintextKeys {
		recommendations = append(recommendations, "CRITICAL: Implement secure key storage (TEE/encryption)")
	}
	if !tx.HasSpendingLimits {
		recommendations = append(recommendations, "CRITICAL: Add transaction spending limits")
	}
	if !capital.MaxLossBounded {
		recommendations = append(recommendations, "HIGH: Implement maximum loss limits")
	}
	if !tx.EmergencyStopPresent {
		recommendations = append(recommendations, "MEDIUM: Add emergency stop mechanisms")
	}

	return SecurityResult{
		CanTrustWithCapital:     canTrust,
		TrustScore:              trust,
		KeySecurity:             key,
		TransactionControls:     tx,
		Deception:               dec,
		CapitalRisk:             capital,
		CriticalVulnerabilities: criticals,
		Recommendations:         recommendations,
		Confidence:              0.85,
		Reasoning:               trustReasoning(trust, len(criticals), canTrust),
		Recommendation:          recommendationFor(canTrust, trust, len(criticals)),
		Timestamp:               time.Now().UTC(),
	}
}

func recommendationFor(canTrust bool, trust float64, criticals int) Recommendation {
	switch {
	case canTrust:
		return RecommendDeploy
	case criticals > 0 || trust < 0.4:
		return RecommendDoNotDeploy
	default:
		return RecommendCaution
	}
}

func trustReasoning(trust float64, criticals int, canTrust bool) string {
	verdict := "agent must not be trusted with capital"
	if canTrust {
		verdict = "agent can be trusted with capital"
	}
	return fmt.Sprintf("Weighted trust score %.2f with %d critical vulnerability(ies); %s.",
		trust, criticals, verdict)
}
