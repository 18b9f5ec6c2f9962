package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	flog "github.com/agentfort/fortress/internal/log"
	"github.com/agentfort/fortress/internal/score"
	"github.com/agentfort/fortress/internal/verifier"
)

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderResult writes the human-readable verification summary.
func renderResult(res *verifier.Result) {
	fmt.Printf("Fortress verification — %s (tier %s)\n", res.Image, res.Tier)
	fmt.Printf("  id %s\n\n", res.VerificationID)

	for _, line := range stageLines(res) {
		fmt.Println("  " + line)
	}

	fmt.Printf("\n  Fort Score: %d/180  [%s]\n", res.FortScore, res.OverallStatus)
	fmt.Printf("  security %+.1f  llm %+.1f  behavior %+.1f  performance %+.1f\n",
		res.Breakdown.Security, res.Breakdown.LLM, res.Breakdown.Behavior, res.Breakdown.Performance)

	if len(res.Gates) > 0 {
		fmt.Println("\n  Gates:")
		for _, g := range res.Gates {
			fmt.Println("    - " + g)
		}
	}
	fmt.Printf("\n  completed in %s\n", res.ProcessingTime.Round(1e7))
}

// stageLines derives per-stage terminal lines from the result sections.
func stageLines(res *verifier.Result) []string {
	line := func(name string, status flog.StageStatus, detail string) string {
		return fmt.Sprintf("%s %-10s %s", status.Glyph(), name, detail)
	}
	failed := func(name string) (string, bool) {
		msg, ok := res.StageErrors[name]
		if !ok {
			return "", false
		}
		return line(name, flog.StageFailed, msg), true
	}

	var out []string

	if l, ok := failed("scan"); ok {
		out = append(out, l)
	} else if s := res.DockerScan; s != nil {
		counts := s.Counts()
		status := flog.StageOK
		if counts.Critical > 0 || counts.High > 0 {
			status = flog.StageWarn
		}
		out = append(out, line("scan", status,
			fmt.Sprintf("%d vulnerabilities (%d critical, %d high)", len(s.Vulnerabilities), counts.Critical, counts.High)))
	}

	if l, ok := failed("tee"); ok {
		out = append(out, l)
	} else if t := res.TEEValidation; t != nil {
		status := flog.StageOK
		if !t.Valid {
			status = flog.StageWarn
		}
		out = append(out, line("tee", status, fmt.Sprintf("trust %s, valid=%v", t.TrustLevel, t.Valid)))
	}

	if l, ok := failed("backtest"); ok {
		out = append(out, l)
	} else if b := res.Backtest; b != nil {
		out = append(out, line("backtest", flog.StageOK,
			fmt.Sprintf("%d trades, final capital %.2f", b.Metrics.TotalTrades, b.FinalCapital)))
	}

	if l, ok := failed("benchmark"); ok {
		out = append(out, l)
	} else if p := res.PerformanceBenchmark; p != nil {
		status := flog.StageOK
		if p.Performance.ErrorRatePercent > 5 {
			status = flog.StageWarn
		}
		out = append(out, line("benchmark", status,
			fmt.Sprintf("%.1f tps, p95 %.1fms, err %.1f%%",
				p.Performance.ThroughputTPS, p.Performance.P95LatencyMs, p.Performance.ErrorRatePercent)))
	}

	if l, ok := failed("llm"); ok {
		out = append(out, l)
	} else if a := res.LLMAnalysis; a != nil && a.Comprehensive != nil {
		status := flog.StageOK
		if a.Comprehensive.Confidence < 0.5 {
			status = flog.StageWarn
		}
		detail := fmt.Sprintf("confidence %.2f", a.Comprehensive.Confidence)
		if a.Security != nil {
			detail += fmt.Sprintf(", trust %.2f, %s", a.Security.TrustScore, a.Security.Recommendation)
		}
		out = append(out, line("llm", status, detail))
	}

	if s := res.StrategyVerification; s != nil {
		status := flog.StageOK
		if s.Status != "verified" {
			status = flog.StageWarn
		}
		out = append(out, line("strategy", status,
			fmt.Sprintf("%s %s, effectiveness %.1f, risk %.1f", s.DetectedStrategy, s.Status, s.Effectiveness, s.Risk)))
	}
	return out
}

// renderBatch writes the batch summary table.
func renderBatch(batch *verifier.BatchResult) {
	fmt.Printf("Batch verification — %d images, %d ok, %d failed, avg score %.1f (%s)\n\n",
		batch.Total, batch.Successful, batch.Failed, batch.AverageFortScore, batch.ProcessingTime.Round(1e7))

	for _, res := range batch.Results {
		fmt.Printf("  %s %-40s %3d/180 %s\n", statusGlyph(res.OverallStatus), res.Image, res.FortScore, res.OverallStatus)
	}
	for _, f := range batch.Failures {
		fmt.Printf("  %s %-40s %s\n", flog.StageFailed.Glyph(), f.Image, f.Error)
	}
}

func statusGlyph(status score.Status) string {
	switch status {
	case score.StatusPassed:
		return flog.StageOK.Glyph()
	case score.StatusWarning:
		return flog.StageWarn.Glyph()
	default:
		return flog.StageFailed.Glyph()
	}
}

// ruler prints a section divider sized to the title.
func ruler(title string) {
	fmt.Println(title)
	fmt.Println(strings.Repeat("-", len(title)))
}
