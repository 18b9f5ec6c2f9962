package tee

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
)

// quoteEnvelope is the wire shape agents and TEE providers submit:
// a JSON document with platform-specific measurement fields and an
// optional PEM certificate chain for signature verification.
type quoteEnvelope struct {
	Version      int               `json:"version"`
	Platform     string            `json:"platform"`
	Timestamp    string            `json:"timestamp"`
	Signature    string            `json:"signature"`
	Nonce        string            `json:"nonce,omitempty"`
	PlatformInfo string            `json:"platform_info,omitempty"`
	Measurements map[string]string `json:"measurements"`
	CertChain    []string          `json:"cert_chain,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
}

// tdxMeasurements are required for an Intel TDX quote.
var tdxMeasurements = []string{"mr_td", "rtmr0", "rtmr1", "rtmr2", "rtmr3"}

// sgxMeasurements are required for an Intel SGX quote.
var sgxMeasurements = []string{"mrenclave", "mrsigner"}

// parsedQuote is the validated intermediate form.
type parsedQuote struct {
	Quote        Quote
	Platform     Platform
	Measurements map[string]string
	CertChain    []*x509.Certificate
	Architecture string
}

// parseQuote decodes and structurally validates a quote document.
func parseQuote(data []byte) (*parsedQuote, error) {
	var env quoteEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("tee: malformed quote: %w", err)
	}
	if env.Signature == "" {
		return nil, fmt.Errorf("tee: quote carries no signature")
	}

	platform, err := platformFromLabel(env.Platform)
	if err != nil {
		return nil, err
	}
	if err := checkMeasurements(platform, env.Measurements); err != nil {
		return nil, err
	}

	ts, err := parseQuoteTime(env.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("tee: quote timestamp: %w", err)
	}

	chain, err := parseCertChain(env.CertChain)
	if err != nil {
		return nil, err
	}

	return &parsedQuote{
		Quote: Quote{
			Version:      env.Version,
			Timestamp:    ts,
			Signature:    env.Signature,
			Nonce:        env.Nonce,
			PlatformInfo: env.PlatformInfo,
		},
		Platform:     platform,
		Measurements: env.Measurements,
		CertChain:    chain,
		Architecture: strings.ToLower(env.Architecture),
	}, nil
}

func platformFromLabel(label string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "intel tdx", "tdx":
		return PlatformTDX, nil
	case "intel sgx", "sgx":
		return PlatformSGX, nil
	case "amd sev", "sev", "sev-snp":
		return PlatformSEV, nil
	case "arm trustzone", "trustzone":
		return PlatformTrustZone, nil
	case "simulated", "mock":
		return PlatformSimulated, nil
	case "":
		return PlatformNone, fmt.Errorf("tee: quote names no platform")
	default:
		return PlatformNone, fmt.Errorf("tee: unsupported platform %q", label)
	}
}

func checkMeasurements(platform Platform, m map[string]string) error {
	var required []string
	switch platform {
	case PlatformTDX:
		required = tdxMeasurements
	case PlatformSGX:
		required = sgxMeasurements
	default:
		return nil
	}
	for _, name := range required {
		if m[name] == "" {
			return fmt.Errorf("tee: %s quote missing measurement %s", platform, name)
		}
	}
	return nil
}

// codeMeasurement picks the measurement that identifies the attested
// code: MR_TD for TDX, MRENCLAVE for SGX, first available otherwise.
func (p *parsedQuote) codeMeasurement() string {
	switch p.Platform {
	case PlatformTDX:
		return p.Measurements["mr_td"]
	case PlatformSGX:
		return p.Measurements["mrenclave"]
	}
	for _, v := range p.Measurements {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCertChain(pems []string) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for i, raw := range pems {
		block, _ := pem.Decode([]byte(raw))
		if block == nil {
			return nil, fmt.Errorf("tee: cert chain entry %d is not PEM", i)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("tee: cert chain entry %d: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
