// Package scanner produces image reports: layer history, size,
// vulnerability findings, and agent-framework detection. Scanner-local
// failures degrade to warnings with an empty vulnerability set so the
// pipeline always receives a report for a loadable image.
package scanner

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity is a vulnerability severity label.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Vulnerability is a single finding from the external scanner.
type Vulnerability struct {
	ID               string   `json:"id"`
	Severity         Severity `json:"severity"`
	Package          string   `json:"package"`
	InstalledVersion string   `json:"installed_version"`
	FixedVersion     string   `json:"fixed_version,omitempty"`
	Description      string   `json:"description,omitempty"`
}

// Layer is one entry of the image's build history.
type Layer struct {
	Command string `json:"command"`
	Size    int64  `json:"size"`
}

// SeverityCounts is the histogram over a vulnerability set.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Report is the scanner's output for one image.
type Report struct {
	Image                  string          `json:"image"`
	ImageID                string          `json:"image_id,omitempty"`
	Size                   int64           `json:"size"`
	Layers                 []Layer         `json:"layers"`
	Vulnerabilities        []Vulnerability `json:"vulnerabilities"`
	AgentFrameworkDetected bool            `json:"agent_framework_detected"`
	BaseImage              string          `json:"base_image,omitempty"`
	Warnings               []string        `json:"warnings,omitempty"`
	Timestamp              time.Time       `json:"timestamp"`
}

// Counts derives the severity histogram from the vulnerability set.
func (r *Report) Counts() SeverityCounts {
	var c SeverityCounts
	for _, v := range r.Vulnerabilities {
		switch v.Severity {
		case SeverityCritical:
			c.Critical++
		case SeverityHigh:
			c.High++
		case SeverityMedium:
			c.Medium++
		case SeverityLow:
			c.Low++
		}
	}
	return c
}

// ImageIntrospector reads image metadata from the container daemon.
type ImageIntrospector interface {
	// Inspect returns the image id, total size in bytes, architecture,
	// and declared environment of the image config.
	Inspect(ctx context.Context, imageRef string) (ImageInfo, error)
	// History returns the build history newest-first as the daemon
	// reports it.
	History(ctx context.Context, imageRef string) ([]Layer, error)
}

// ImageInfo is the subset of image metadata the scanner consumes.
type ImageInfo struct {
	ID           string
	Size         int64
	Architecture string
	Env          []string
	ExposedPaths []string
}

// VulnSource runs the external vulnerability scanner over an image.
type VulnSource interface {
	Scan(ctx context.Context, imageRef string) ([]Vulnerability, error)
}

// Scanner assembles image reports.
type Scanner struct {
	docker ImageIntrospector
	vulns  VulnSource
}

// New creates a scanner. Either collaborator may be nil; missing
// collaborators degrade the corresponding report section with a warning.
func New(docker ImageIntrospector, vulns VulnSource) *Scanner {
	return &Scanner{docker: docker, vulns: vulns}
}

// Scan builds the report for imageRef. Scanner-local failures never
// surface as errors: they produce warnings and empty sections.
func (s *Scanner) Scan(ctx context.Context, imageRef string) Report {
	report := Report{
		Image:     imageRef,
		Timestamp: time.Now().UTC(),
	}

	if s.docker != nil {
		info, err := s.docker.Inspect(ctx, imageRef)
		if err != nil {
			report.Warnings = append(report.Warnings, "image inspect failed: "+err.Error())
			log.Warn().Str("image", imageRef).Err(err).Msg("image inspect failed")
		} else {
			report.ImageID = info.ID
			report.Size = info.Size
		}

		layers, err := s.docker.History(ctx, imageRef)
		if err != nil {
			report.Warnings = append(report.Warnings, "layer history unavailable: "+err.Error())
		} else {
			report.Layers = layers
			report.BaseImage = guessBaseImage(layers)
		}
	}

	if s.vulns != nil {
		vulns, err := s.vulns.Scan(ctx, imageRef)
		if err != nil {
			report.Warnings = append(report.Warnings, "vulnerability scan unavailable: "+err.Error())
			log.Warn().Str("image", imageRef).Err(err).Msg("vulnerability scan failed")
		} else {
			report.Vulnerabilities = vulns
		}
	}

	report.AgentFrameworkDetected = DetectFramework(imageRef, report.Layers)
	return report
}

// frameworkNameHints match against the lowercased image reference.
var frameworkNameHints = []string{
	"shade", "agent", "near", "pivortex",
	"finance", "bot", "trader", "trading",
	"defi", "arbitrage", "swap", "liquidity", "market-maker",
	"langchain", "autogen", "crewai", "llm", "gpt", "claude",
}

// frameworkPackageHints match against layer build commands.
var frameworkPackageHints = []string{
	"shade-agent", "near-api-js", "web3", "ccxt", "ethers",
}

// frameworkPathHints are control-path files agent frameworks install.
var frameworkPathHints = []string{
	"/app/shade", "/opt/shade", "/app/agent",
}

// DetectFramework applies the naming, package-install, and control-path
// rules over the image reference and its layer commands.
func DetectFramework(imageRef string, layers []Layer) bool {
	ref := strings.ToLower(imageRef)
	for _, hint := range frameworkNameHints {
		if strings.Contains(ref, hint) {
			return true
		}
	}
	for _, layer := range layers {
		cmd := strings.ToLower(layer.Command)
		for _, pkg := range frameworkPackageHints {
			if strings.Contains(cmd, pkg) {
				return true
			}
		}
		for _, path := range frameworkPathHints {
			if strings.Contains(cmd, path) {
				return true
			}
		}
	}
	return false
}

// guessBaseImage extracts a FROM-style hint from the oldest layer.
func guessBaseImage(layers []Layer) string {
	if len(layers) == 0 {
		return ""
	}
	oldest := layers[len(layers)-1].Command
	if idx := strings.Index(oldest, "FROM "); idx >= 0 {
		return strings.Fields(oldest[idx+5:])[0]
	}
	return ""
}
