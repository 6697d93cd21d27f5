package analyzer

import (
	"fmt"
	"path/filepath"

	"github.com/marketmaker/soaktest/internal/atomicio"
	"github.com/marketmaker/soaktest/internal/gates"
	"github.com/marketmaker/soaktest/internal/ops"
)

// GateChecks renders the hard/soft gate table for a Snapshot against
// mode's thresholds, used by both POST_SOAK_AUDIT.md and
// FAILURES.md.
func GateChecks(snap Snapshot, router *gates.Router, mode gates.Mode) []ops.GateCheck {
	hard := router.HardGatesFor(mode)
	soft := router.SoftGates()

	maker := snap.Stats["maker_taker_ratio"]
	net := snap.Stats["net_bps"]
	latency := snap.Stats["p95_latency_ms"]
	risk := snap.Stats["risk_ratio"]

	return []ops.GateCheck{
		{
			Name: "maker_taker_ratio", Hard: true,
			Threshold: fmt.Sprintf(">=%.2f", hard.MakerTakerRatioMin),
			Observed:  fmt.Sprintf("%.3f", maker.Mean),
			Passed:    maker.Mean >= hard.MakerTakerRatioMin,
		},
		{
			Name: "p95_latency_ms", Hard: true,
			Threshold: fmt.Sprintf("<=%.0f", hard.P95LatencyMsMax),
			Observed:  fmt.Sprintf("%.1f", latency.Mean),
			Passed:    latency.Mean <= hard.P95LatencyMsMax,
		},
		{
			Name: "risk_ratio", Hard: true,
			Threshold: fmt.Sprintf("<=%.2f", hard.RiskRatioMax),
			Observed:  fmt.Sprintf("%.3f", risk.Mean),
			Passed:    risk.Mean <= hard.RiskRatioMax,
		},
		{
			Name: "net_bps", Hard: true,
			Threshold: fmt.Sprintf(">=%.1f", hard.NetBpsMin),
			Observed:  fmt.Sprintf("%.2f", net.Mean),
			Passed:    net.Mean >= hard.NetBpsMin,
		},
		{
			Name: "maker_share_pct", Hard: false,
			Threshold: fmt.Sprintf(">=%.0f", soft.MakerSharePctMin),
			Observed:  fmt.Sprintf("%.1f", maker.Mean*100),
			Passed:    maker.Mean*100 >= soft.MakerSharePctMin,
		},
		{
			Name: "ws_lag_p95_ms", Hard: false,
			Threshold: fmt.Sprintf("<=%.0f", soft.WsLagP95MsMax),
			Observed:  fmt.Sprintf("%.1f", snap.Stats["ws_lag_p95_ms"].Mean),
			Passed:    snap.Stats["ws_lag_p95_ms"].Mean <= soft.WsLagP95MsMax,
		},
	}
}

// Recommendations derives a short, actionable bullet list from the
// gates that missed, worded around the specific KPI and direction it
// needs to move.
func Recommendations(checks []ops.GateCheck) []string {
	var out []string
	for _, c := range checks {
		if c.Passed {
			continue
		}
		switch c.Name {
		case "maker_taker_ratio":
			out = append(out, "maker_taker_ratio below target: widen min_interval_ms or raise replace_rate_per_min to capture more maker fills")
		case "p95_latency_ms":
			out = append(out, "p95_latency_ms above target: investigate order-age outliers, consider lowering tail_age_ms")
		case "risk_ratio":
			out = append(out, "risk_ratio above target: tighten impact_cap_ratio and max_delta_ratio")
		case "net_bps":
			out = append(out, "net_bps below target: review negative edge drivers and reduce adverse/slippage exposure")
		case "maker_share_pct":
			out = append(out, "maker_share_pct below soft target: consider a longer soak window before freezing")
		case "ws_lag_p95_ms":
			out = append(out, "ws_lag_p95_ms above soft target: check market-data connectivity before the next run")
		}
	}
	return out
}

// WriteArtifacts renders and atomically writes POST_SOAK_SNAPSHOT.json,
// POST_SOAK_AUDIT.md, RECOMMENDATIONS.md, and FAILURES.md into dir.
func WriteArtifacts(dir, runName string, records []IterRecord, snap Snapshot, router *gates.Router, mode gates.Mode) error {
	checks := GateChecks(snap, router, mode)

	window := Window(records, snap.LastN)
	series := []ops.KPISeries{
		{Name: "maker_taker_ratio", Values: seriesValues(window, func(r IterRecord) float64 { return r.MakerTakerRatio })},
		{Name: "net_bps", Values: seriesValues(window, func(r IterRecord) float64 { return r.NetBps })},
		{Name: "p95_latency_ms", Values: seriesValues(window, func(r IterRecord) float64 { return r.P95LatencyMs })},
		{Name: "risk_ratio", Values: seriesValues(window, func(r IterRecord) float64 { return r.RiskRatio })},
	}

	audit := ops.RenderAudit(ops.AuditReport{
		RunName:        runName,
		LastN:          snap.LastN,
		Series:         series,
		Stats:          snap.Stats,
		Gates:          checks,
		Verdict:        ops.Verdict(snap.Verdict),
		FreezeReady:    snap.FreezeReady,
		PassCountLastN: snap.PassCountLastN,
		SignatureStuck: snap.SignatureStuck,
		FullApplyRatio: snap.FullApplyRatio,
	})

	recommendations := ops.RenderRecommendations(runName, Recommendations(checks))
	failures := ops.RenderFailures(runName, checks)

	if err := atomicio.WriteJSON(filepath.Join(dir, "POST_SOAK_SNAPSHOT.json"), snap); err != nil {
		return fmt.Errorf("analyzer: write snapshot: %w", err)
	}
	if err := atomicio.WriteFile(filepath.Join(dir, "POST_SOAK_AUDIT.md"), []byte(audit)); err != nil {
		return fmt.Errorf("analyzer: write audit: %w", err)
	}
	if err := atomicio.WriteFile(filepath.Join(dir, "RECOMMENDATIONS.md"), []byte(recommendations)); err != nil {
		return fmt.Errorf("analyzer: write recommendations: %w", err)
	}
	if err := atomicio.WriteFile(filepath.Join(dir, "FAILURES.md"), []byte(failures)); err != nil {
		return fmt.Errorf("analyzer: write failures: %w", err)
	}

	return nil
}

func seriesValues(records []IterRecord, pick func(IterRecord) float64) []float64 {
	out := make([]float64, 0, len(records))
	for _, r := range records {
		if r.Partial {
			continue
		}
		out = append(out, pick(r))
	}
	return out
}
