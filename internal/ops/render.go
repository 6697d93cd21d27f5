// Package ops renders the Markdown and CSV artifacts this codebase
// hands off to a human at the end of a soak run: the post-soak audit
// with ASCII sparklines, the recommendations and failures call-outs,
// and the changelog/rollback-plan pair the release bundler attaches to
// every bundle.
package ops

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KPISeries is one KPI's value across the analyzed window, in
// iteration order, used both for aggregate stats and sparkline
// rendering.
type KPISeries struct {
	Name   string
	Values []float64
}

// Stats is the {min,max,mean,median} aggregate the Analyzer computes
// per KPI over the last-N window.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Compute derives Stats from a value series; an empty series yields
// the zero Stats.
func Compute(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	min, max, sum := sorted[0], sorted[len(sorted)-1], 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	return Stats{Min: min, Max: max, Mean: mean, Median: median}
}

// sparkChars renders a value series as a one-line ASCII sparkline
// using 10 bucketed levels, the way this codebase renders every
// at-a-glance trend indicator in its markdown reports.
var sparkChars = []rune(" .:-=+*#%@")

// Sparkline renders values as a single line of sparkChars, scaled to
// the series' own min/max. A flat series renders as a midline.
func Sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	var b strings.Builder
	levels := len(sparkChars) - 1
	for _, v := range values {
		if max == min {
			b.WriteRune(sparkChars[levels/2])
			continue
		}
		idx := int((v - min) / (max - min) * float64(levels))
		if idx < 0 {
			idx = 0
		}
		if idx > levels {
			idx = levels
		}
		b.WriteRune(sparkChars[idx])
	}
	return b.String()
}

// Verdict is the Analyzer's readiness verdict.
type Verdict string

const (
	VerdictReady Verdict = "READY"
	VerdictHold  Verdict = "HOLD"
	VerdictBlock Verdict = "BLOCK"
)

// GateCheck is one hard or soft gate's evaluated outcome, rendered as
// a row in the audit's gate table.
type GateCheck struct {
	Name      string
	Hard      bool
	Threshold string
	Observed  string
	Passed    bool
}

// AuditReport holds everything POST_SOAK_AUDIT.md needs to render:
// the per-KPI series and stats, the gate checks, and the verdict.
type AuditReport struct {
	RunName        string
	LastN          int
	Series         []KPISeries
	Stats          map[string]Stats
	Gates          []GateCheck
	Verdict        Verdict
	FreezeReady    bool
	PassCountLastN int
	SignatureStuck bool
	FullApplyRatio float64
}

// RenderAudit renders POST_SOAK_AUDIT.md: one sparkline + stats block
// per KPI, the gate table, and the verdict summary.
func RenderAudit(r AuditReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Post-Soak Audit: %s\n\n", r.RunName)
	fmt.Fprintf(&b, "Window: last %d iterations  \nVerdict: **%s**  \nFreeze ready: **%v**\n\n", r.LastN, r.Verdict, r.FreezeReady)

	b.WriteString("## KPI Trends\n\n")
	for _, s := range r.Series {
		stats := r.Stats[s.Name]
		fmt.Fprintf(&b, "- `%s` `%s` min=%.3f max=%.3f mean=%.3f median=%.3f\n",
			s.Name, Sparkline(s.Values), stats.Min, stats.Max, stats.Mean, stats.Median)
	}
	b.WriteString("\n")

	b.WriteString("## Gates\n\n")
	b.WriteString("| gate | kind | threshold | observed | result |\n")
	b.WriteString("|---|---|---|---|:---:|\n")
	for _, g := range r.Gates {
		kind := "soft"
		if g.Hard {
			kind = "hard"
		}
		result := "PASS"
		if !g.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", g.Name, kind, g.Threshold, g.Observed, result)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "pass_count_last_n: %d  \nsignature_stuck: %v  \nfull_apply_ratio: %.3f\n",
		r.PassCountLastN, r.SignatureStuck, r.FullApplyRatio)

	return b.String()
}

// RenderRecommendations renders RECOMMENDATIONS.md: one bullet per
// actionable suggestion the analyzer derived from failing gates.
func RenderRecommendations(runName string, items []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Recommendations: %s\n\n", runName)
	if len(items) == 0 {
		b.WriteString("No outstanding recommendations; all gates clear with margin.\n")
		return b.String()
	}
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return b.String()
}

// RenderFailures renders FAILURES.md: one entry per hard gate that
// missed, with the observed vs. threshold values.
func RenderFailures(runName string, gates []GateCheck) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Failures: %s\n\n", runName)

	failed := make([]GateCheck, 0)
	for _, g := range gates {
		if g.Hard && !g.Passed {
			failed = append(failed, g)
		}
	}

	if len(failed) == 0 {
		b.WriteString("No hard gate failures.\n")
		return b.String()
	}

	for _, g := range failed {
		fmt.Fprintf(&b, "- `%s`: observed %s, required %s\n", g.Name, g.Observed, g.Threshold)
	}
	return b.String()
}

// ChangelogEntry is one KPI line in the bundle's auto-generated
// CHANGELOG.md.
type ChangelogEntry struct {
	KPI    string
	Mean   float64
	Median float64
}

// RenderChangelog renders CHANGELOG.md: a dated KPI summary for the
// bundle, using utcISO verbatim (callers resolve it through the clock
// package so MM_FREEZE_UTC_ISO makes bundles reproducible).
func RenderChangelog(runName, utcISO, version string, entries []ChangelogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Changelog: %s\n\n", runName)
	fmt.Fprintf(&b, "Generated: %s (version %s)\n\n", utcISO, version)
	b.WriteString("| kpi | mean | median |\n|---|---:|---:|\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "| %s | %.3f | %.3f |\n", e.KPI, e.Mean, e.Median)
	}
	return b.String()
}

// RenderRollbackPlan renders rollback_plan.md: a fixed, ≤10-minute
// procedure for reverting a bundle's overrides in case the canary
// stage regresses.
func RenderRollbackPlan(runName, overridesPath string) string {
	return fmt.Sprintf(`# Rollback Plan: %s

Target: restore the prior %s and confirm the next iteration's
EDGE_REPORT returns to baseline. Expected duration: under 10 minutes.

1. Stop the running strategy process.
2. Restore the previous %s from the bundle preceding this one.
3. Restart the strategy process with the restored overrides.
4. Run one soak iteration (%s) and confirm maker_taker_ratio and
   risk_ratio are back within the hard gate thresholds.
5. If KPIs remain out of bounds, fall back to the registry defaults
   (delete %s entirely) and re-run step 4.
`, runName, overridesPath, overridesPath, "soak run --iterations 1", overridesPath)
}

// WriteSnapshotCSV writes a flat CSV of every KPI's stats, one row per
// KPI, for tooling that prefers tabular input over the markdown audit.
func WriteSnapshotCSV(outputDir, filename string, stats map[string]Stats) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("ops: create output dir: %w", err)
	}

	path := filepath.Join(outputDir, filename)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ops: create snapshot csv: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"kpi", "min", "max", "mean", "median"}); err != nil {
		return fmt.Errorf("ops: write csv header: %w", err)
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := stats[name]
		row := []string{
			name,
			fmt.Sprintf("%.6f", s.Min),
			fmt.Sprintf("%.6f", s.Max),
			fmt.Sprintf("%.6f", s.Mean),
			fmt.Sprintf("%.6f", s.Median),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("ops: write csv row: %w", err)
		}
	}

	return nil
}
