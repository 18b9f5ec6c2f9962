package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// ErrScannerUnavailable reports that the external scanner binary could
// not be located or executed.
var ErrScannerUnavailable = errors.New("scanner: trivy unavailable")

// Trivy runs the trivy binary as a subprocess and parses its JSON
// report. Implements VulnSource.
type Trivy struct {
	// Binary is the executable name or path; defaults to "trivy".
	Binary string
}

// NewTrivy creates a trivy-backed vulnerability source.
func NewTrivy() *Trivy {
	return &Trivy{Binary: "trivy"}
}

type trivyReport struct {
	Results []struct {
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			Severity         string `json:"Severity"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Description      string `json:"Description"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// Scan invokes `trivy image --format json` over imageRef.
func (t *Trivy) Scan(ctx context.Context, imageRef string) ([]Vulnerability, error) {
	bin := t.Binary
	if bin == "" {
		bin = "trivy"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%w: %s not on PATH", ErrScannerUnavailable, bin)
	}

	cmd := exec.CommandContext(ctx, bin, "image", "--format", "json", "--quiet", imageRef)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrScannerUnavailable, err, firstLine(stderr.Bytes()))
	}
	return parseTrivyReport(stdout.Bytes())
}

func parseTrivyReport(data []byte) ([]Vulnerability, error) {
	var report trivyReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("scanner: parse trivy report: %w", err)
	}

	var vulns []Vulnerability
	for _, result := range report.Results {
		for _, v := range result.Vulnerabilities {
			vulns = append(vulns, Vulnerability{
				ID:               v.VulnerabilityID,
				Severity:         Severity(v.Severity),
				Package:          v.PkgName,
				InstalledVersion: v.InstalledVersion,
				FixedVersion:     v.FixedVersion,
				Description:      v.Description,
			})
		}
	}
	return vulns, nil
}

func firstLine(b []byte) string {
	if idx := bytes.IndexByte(b, '\n'); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}
