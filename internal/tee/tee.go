// Package tee validates Trusted-Execution-Environment attestation
// quotes and derives a trust level from the quote, the approved-code
// registry, and the platform configuration.
package tee

import (
	"time"
)

// Platform identifies the attesting TEE technology.
type Platform string

const (
	PlatformTDX       Platform = "Intel TDX"
	PlatformSGX       Platform = "Intel SGX"
	PlatformSEV       Platform = "AMD SEV"
	PlatformTrustZone Platform = "ARM TrustZone"
	PlatformSimulated Platform = "Simulated"
	PlatformNone      Platform = "None"
)

// TrustLevel orders attestation outcomes from best to worst.
type TrustLevel string

const (
	TrustHigh      TrustLevel = "HIGH"
	TrustMedium    TrustLevel = "MEDIUM"
	TrustLow       TrustLevel = "LOW"
	TrustUntrusted TrustLevel = "UNTRUSTED"
)

// rank orders trust levels for capping; higher is more trusted.
func (t TrustLevel) rank() int {
	switch t {
	case TrustHigh:
		return 3
	case TrustMedium:
		return 2
	case TrustLow:
		return 1
	default:
		return 0
	}
}

// capAt returns the lower of t and limit.
func (t TrustLevel) capAt(limit TrustLevel) TrustLevel {
	if t.rank() > limit.rank() {
		return limit
	}
	return t
}

// Quote is the parsed attestation quote envelope.
type Quote struct {
	Version      int       `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
	Signature    string    `json:"signature"`
	Nonce        string    `json:"nonce,omitempty"`
	PlatformInfo string    `json:"platform_info,omitempty"`
}

// Result is the attestation verdict consumed by scoring.
type Result struct {
	Valid        bool              `json:"valid"`
	Platform     Platform          `json:"platform"`
	Measurements map[string]string `json:"measurements,omitempty"`
	Quote        *Quote            `json:"quote,omitempty"`
	CodeHash     string            `json:"code_hash,omitempty"`
	TrustLevel   TrustLevel        `json:"trust_level"`
	Errors       []string          `json:"errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

func (r *Result) fail(msg string) {
	r.Valid = false
	r.TrustLevel = TrustUntrusted
	r.Errors = append(r.Errors, msg)
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
