package judge

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Analyzer responses are decoded through pointer fields so that absent
// keys fall back to conservative defaults instead of zero values.

func analyzeKeySecurity(ctx context.Context, ec EvalContext, provider Provider) KeySecurity {
	response, err := provider.Call(ctx, keySecurityPrompt(ec))
	if err != nil {
		log.Warn().Str("provider", provider.Name()).Err(err).Msg("key security analysis failed")
		return fallbackKeySecurity()
	}
	return parseKeySecurity(response)
}

func parseKeySecurity(response string) KeySecurity {
	raw, err := extractJSON(response)
	if err != nil {
		return fallbackKeySecurity()
	}
	var wire struct {
		HasPlaintextKeys       *bool    `json:"has_plaintext_keys"`
		KeyGenerationSecure    *bool    `json:"key_generation_secure"`
		KeyStorageEncrypted    *bool    `json:"key_storage_encrypted"`
		KeyRotationImplemented *bool    `json:"key_rotation_implemented"`
		KeyExposureRisk        *string  `json:"key_exposure_risk"`
		SecurityConcerns       []string `json:"security_concerns"`
		CodeReferences         []string `json:"code_references"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fallbackKeySecurity()
	}

	out := KeySecurity{
		// Absent answer on plaintext keys is treated as the worst case.
		HasPlaintextKeys:       boolOr(wire.HasPlaintextKeys, true),
		KeyGenerationSecure:    boolOr(wire.KeyGenerationSecure, false),
		KeyStorageEncrypted:    boolOr(wire.KeyStorageEncrypted, false),
		KeyRotationImplemented: boolOr(wire.KeyRotationImplemented, false),
		KeyExposureRisk:        stringOr(wire.KeyExposureRisk, "high"),
		SecurityConcerns:       wire.SecurityConcerns,
		CodeReferences:         wire.CodeReferences,
	}
	if out.SecurityConcerns == nil {
		out.SecurityConcerns = []string{"Unable to analyze"}
	}
	return out
}

func fallbackKeySecurity() KeySecurity {
	return KeySecurity{
		HasPlaintextKeys:    true,
		KeyGenerationSecure: false,
		KeyStorageEncrypted: false,
		KeyExposureRisk:     "critical",
		SecurityConcerns:    []string{"Analysis failed - manual security review required"},
	}
}

func analyzeTransactionControls(ctx context.Context, ec EvalContext, provider Provider) TransactionControls {
	response, err := provider.Call(ctx, transactionControlPrompt(ec))
	if err != nil {
		log.Warn().Str("provider", provider.Name()).Err(err).Msg("transaction control analysis failed")
		return fallbackTransactionControls()
	}
	return parseTransactionControls(response)
}

func parseTransactionControls(response string) TransactionControls {
	raw, err := extractJSON(response)
	if err != nil {
		return fallbackTransactionControls()
	}
	var wire struct {
		HasSpendingLimits     *bool    `json:"has_spending_limits"`
		HasApprovalMechanisms *bool    `json:"has_approval_mechanisms"`
		EmergencyStopPresent  *bool    `json:"emergency_stop_present"`
		CrossChainControls    *bool    `json:"cross_chain_controls"`
		TransactionMonitoring *bool    `json:"transaction_monitoring"`
		ControlStrength       *string  `json:"control_strength"`
		ControlGaps           []string `json:"control_gaps"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fallbackTransactionControls()
	}

	out := TransactionControls{
		HasSpendingLimits:     boolOr(wire.HasSpendingLimits, false),
		HasApprovalMechanisms: boolOr(wire.HasApprovalMechanisms, false),
		EmergencyStopPresent:  boolOr(wire.EmergencyStopPresent, false),
		CrossChainControls:    boolOr(wire.CrossChainControls, false),
		TransactionMonitoring: boolOr(wire.TransactionMonitoring, false),
		ControlStrength:       stringOr(wire.ControlStrength, "weak"),
		ControlGaps:           wire.ControlGaps,
	}
	if out.ControlGaps == nil {
		out.ControlGaps = []string{"Unable to analyze"}
	}
	return out
}

func fallbackTransactionControls() TransactionControls {
	return TransactionControls{
		ControlStrength: "weak",
		ControlGaps:     []string{"Analysis failed - manual review required"},
	}
}

func analyzeDeception(ctx context.Context, ec EvalContext, provider Provider) Deception {
	response, err := provider.Call(ctx, deceptionPrompt(ec))
	if err != nil {
		log.Warn().Str("provider", provider.Name()).Err(err).Msg("deception detection failed")
		return fallbackDeception()
	}
	return parseDeception(response)
}

func parseDeception(response string) Deception {
	raw, err := extractJSON(response)
	if err != nil {
		return fallbackDeception()
	}
	var wire struct {
		BackdoorDetected            *bool    `json:"backdoor_detected"`
		TimeBombDetected            *bool    `json:"time_bomb_detected"`
		ObfuscatedCodeFound         *bool    `json:"obfuscated_code_found"`
		DataExfiltrationRisk        *bool    `json:"data_exfiltration_risk"`
		EnvironmentSpecificBehavior *bool    `json:"environment_specific_behavior"`
		DeceptionIndicators         []string `json:"deception_indicators"`
		RiskLevel                   *string  `json:"risk_level"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fallbackDeception()
	}

	return Deception{
		BackdoorDetected:            boolOr(wire.BackdoorDetected, false),
		TimeBombDetected:            boolOr(wire.TimeBombDetected, false),
		ObfuscatedCodeFound:         boolOr(wire.ObfuscatedCodeFound, false),
		DataExfiltrationRisk:        boolOr(wire.DataExfiltrationRisk, false),
		EnvironmentSpecificBehavior: boolOr(wire.EnvironmentSpecificBehavior, false),
		DeceptionIndicators:         wire.DeceptionIndicators,
		RiskLevel:                   stringOr(wire.RiskLevel, "medium"),
	}
}

func fallbackDeception() Deception {
	// A failed analysis cannot prove a backdoor, but it must assume the
	// patterns it cannot rule out.
	return Deception{
		ObfuscatedCodeFound:         true,
		DataExfiltrationRisk:        true,
		EnvironmentSpecificBehavior: true,
		DeceptionIndicators:         []string{"Analysis failed - comprehensive manual review required"},
		RiskLevel:                   "high",
	}
}

func analyzeCapitalRisk(ctx context.Context, ec EvalContext, provider Provider) CapitalRisk {
	response, err := provider.Call(ctx, capitalRiskPrompt(ec))
	if err != nil {
		log.Warn().Str("provider", provider.Name()).Err(err).Msg("capital risk assessment failed")
		return fallbackCapitalRisk()
	}
	return parseCapitalRisk(response)
}

func parseCapitalRisk(response string) CapitalRisk {
	raw, err := extractJSON(response)
	if err != nil {
		return fallbackCapitalRisk()
	}
	var wire struct {
		MaxLossBounded       *bool   `json:"max_loss_bounded"`
		PositionSizeControls *bool   `json:"position_size_controls"`
		StopLossImplemented  *bool   `json:"stop_loss_implemented"`
		LeverageControls     *bool   `json:"leverage_controls"`
		FlashLoanUsage       *bool   `json:"flash_loan_usage"`
		RiskControlsAdequate *bool   `json:"risk_controls_adequate"`
		EstimatedMaxLoss     *string `json:"estimated_max_loss"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fallbackCapitalRisk()
	}

	return CapitalRisk{
		MaxLossBounded:       boolOr(wire.MaxLossBounded, false),
		PositionSizeControls: boolOr(wire.PositionSizeControls, false),
		StopLossImplemented:  boolOr(wire.StopLossImplemented, false),
		LeverageControls:     boolOr(wire.LeverageControls, false),
		FlashLoanUsage:       boolOr(wire.FlashLoanUsage, true),
		RiskControlsAdequate: boolOr(wire.RiskControlsAdequate, false),
		EstimatedMaxLoss:     stringOr(wire.EstimatedMaxLoss, "unlimited"),
	}
}

func fallbackCapitalRisk() CapitalRisk {
	return CapitalRisk{
		FlashLoanUsage:   true,
		EstimatedMaxLoss: "unlimited",
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}
