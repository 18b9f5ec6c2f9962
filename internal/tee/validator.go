package tee

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfort/fortress/internal/config"
	"github.com/agentfort/fortress/internal/registry"
)

// RegistryLookup is the registry consultation the validator needs.
type RegistryLookup interface {
	Verify(ctx context.Context, codeHash string) (registry.VerifyResult, error)
}

// Validator derives a trust level from a quote and the registry.
type Validator struct {
	registry RegistryLookup
	cfg      config.TEEConfig
	roots    *x509.CertPool
	now      func() time.Time
}

// NewValidator builds a validator. Root CAs are loaded from the
// configured paths; a missing pool is only an error outside
// simulation mode.
func NewValidator(reg RegistryLookup, cfg config.TEEConfig) (*Validator, error) {
	v := &Validator{registry: reg, cfg: cfg, now: time.Now}
	if cfg.MaxClockSkew <= 0 {
		v.cfg.MaxClockSkew = 5 * time.Minute
	}

	if len(cfg.RootCAPaths) > 0 {
		pool := x509.NewCertPool()
		for _, path := range cfg.RootCAPaths {
			pemData, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("tee: read root CA %s: %w", path, err)
			}
			if !pool.AppendCertsFromPEM(pemData) {
				return nil, fmt.Errorf("tee: no certificates in %s", path)
			}
		}
		v.roots = pool
	} else if !cfg.SimulationMode {
		return nil, fmt.Errorf("tee: root CA paths required outside simulation mode")
	}
	return v, nil
}

// Validate parses and verifies a quote, consults the registry over the
// attested code measurement, and derives the trust level. The result is
// always populated; invalid quotes yield Valid=false and UNTRUSTED.
func (v *Validator) Validate(ctx context.Context, quoteData []byte) Result {
	res := Result{Timestamp: v.now().UTC(), TrustLevel: TrustUntrusted}

	parsed, err := parseQuote(quoteData)
	if err != nil {
		res.fail(err.Error())
		return res
	}
	res.Platform = parsed.Platform
	res.Measurements = parsed.Measurements
	res.Quote = &parsed.Quote
	res.CodeHash = parsed.codeMeasurement()

	if v.cfg.StrictArch && parsed.Architecture != "" && parsed.Architecture != "amd64" {
		res.fail(fmt.Sprintf("architecture %s rejected in strict mode", parsed.Architecture))
		return res
	}

	if v.cfg.SimulationMode {
		res.Valid = true
		res.Platform = PlatformSimulated
		res.warn("simulation mode: quote signature not cryptographically verified")
	} else {
		if err := v.verifySignature(parsed); err != nil {
			res.fail(err.Error())
			return res
		}
		res.Valid = true
	}

	if skew := absDuration(v.now().Sub(parsed.Quote.Timestamp)); skew > v.cfg.MaxClockSkew {
		res.warn(fmt.Sprintf("quote timestamp skew %s exceeds %s", skew.Round(time.Second), v.cfg.MaxClockSkew))
	}

	res.TrustLevel = v.trustFromRegistry(ctx, &res)
	if v.cfg.SimulationMode {
		res.TrustLevel = res.TrustLevel.capAt(TrustLow)
	}
	if !res.Valid {
		res.TrustLevel = TrustUntrusted
	}

	log.Debug().
		Str("platform", string(res.Platform)).
		Str("trust", string(res.TrustLevel)).
		Bool("valid", res.Valid).
		Msg("attestation validated")
	return res
}

// verifySignature checks the quote's certificate chain against the
// configured roots. Quotes without a chain cannot be verified.
func (v *Validator) verifySignature(parsed *parsedQuote) error {
	if len(parsed.CertChain) == 0 {
		return fmt.Errorf("tee: quote carries no certificate chain")
	}
	if v.roots == nil {
		return fmt.Errorf("tee: no root CAs configured")
	}

	intermediates := x509.NewCertPool()
	for _, cert := range parsed.CertChain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := parsed.CertChain[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("tee: signature chain rejected: %w", err)
	}
	return nil
}

// trustFromRegistry maps the registry verdict for the attested code
// hash onto a trust level. Called only after signature validation.
func (v *Validator) trustFromRegistry(ctx context.Context, res *Result) TrustLevel {
	if res.CodeHash == "" {
		res.warn("quote carries no code measurement")
		return TrustLow
	}
	if v.registry == nil {
		res.warn("no registry configured; code identity unverified")
		return TrustLow
	}

	lookup, err := v.registry.Verify(ctx, res.CodeHash)
	if err != nil {
		res.warn("registry lookup failed: " + err.Error())
		return TrustLow
	}
	res.Warnings = append(res.Warnings, lookup.Warnings...)

	if lookup.Record == nil {
		return TrustLow
	}
	switch lookup.Record.Status {
	case registry.StatusApproved:
		switch lookup.Record.RiskLevel {
		case registry.RiskLow:
			return TrustHigh
		case registry.RiskMedium:
			return TrustMedium
		default:
			return TrustLow
		}
	case registry.StatusPending:
		return TrustLow
	default: // revoked, suspicious
		res.fail(fmt.Sprintf("code hash %s is %s in registry", shortHash(res.CodeHash), lookup.Record.Status))
		return TrustUntrusted
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func parseQuoteTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized format %q", s)
}
