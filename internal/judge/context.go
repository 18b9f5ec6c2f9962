package judge

import (
	"fmt"
	"strings"

	"github.com/agentfort/fortress/internal/scanner"
)

// maxPatternsPerCategory caps extracted layer patterns per category.
const maxPatternsPerCategory = 3

// EvalContext is the deterministic, side-effect-free digest of an image
// report that every prompt is built from.
type EvalContext struct {
	Image             string
	SizeMB            float64
	LayerCount        int
	FrameworkDetected bool
	VulnCounts        scanner.SeverityCounts
	Dependencies      []string
	Configurations    []string
	Commands          []string
}

// BuildContext derives the evaluation context from an image report.
func BuildContext(report *scanner.Report) EvalContext {
	ctx := EvalContext{
		Image:             report.Image,
		SizeMB:            float64(report.Size) / 1024 / 1024,
		LayerCount:        len(report.Layers),
		FrameworkDetected: report.AgentFrameworkDetected,
		VulnCounts:        report.Counts(),
	}

	for _, layer := range report.Layers {
		cmd := strings.ToLower(layer.Command)
		switch {
		case containsAny(cmd, "npm install", "pip install", "yarn add", "go install"):
			ctx.Dependencies = appendCapped(ctx.Dependencies, truncate(cmd, 100))
		case containsAny(cmd, "config", "env", "secret"):
			ctx.Configurations = appendCapped(ctx.Configurations, truncate(cmd, 100))
		case containsAny(cmd, "run", "start", "exec"):
			ctx.Commands = appendCapped(ctx.Commands, truncate(cmd, 100))
		}
	}
	return ctx
}

// summary renders the shared context header used by every prompt.
func (c EvalContext) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Image: %s\n", c.Image)
	fmt.Fprintf(&b, "- Size: %.1f MB across %d layers\n", c.SizeMB, c.LayerCount)
	fmt.Fprintf(&b, "- Agent framework detected: %t\n", c.FrameworkDetected)
	fmt.Fprintf(&b, "- Vulnerabilities: %d critical, %d high, %d medium, %d low\n",
		c.VulnCounts.Critical, c.VulnCounts.High, c.VulnCounts.Medium, c.VulnCounts.Low)

	writePatterns := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", title)
		for _, item := range items {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}
	writePatterns("Dependency installs", c.Dependencies)
	writePatterns("Configuration operations", c.Configurations)
	writePatterns("Start commands", c.Commands)
	return b.String()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func appendCapped(items []string, item string) []string {
	if len(items) >= maxPatternsPerCategory {
		return items
	}
	return append(items, item)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
