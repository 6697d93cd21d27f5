package ops

import (
	"strings"
	"testing"
)

func TestCompute_Basic(t *testing.T) {
	s := Compute([]float64{1, 2, 3, 4})
	if s.Min != 1 || s.Max != 4 {
		t.Errorf("expected min=1 max=4, got min=%v max=%v", s.Min, s.Max)
	}
	if s.Mean != 2.5 {
		t.Errorf("expected mean=2.5, got %v", s.Mean)
	}
	if s.Median != 2.5 {
		t.Errorf("expected median=2.5, got %v", s.Median)
	}
}

func TestCompute_Empty(t *testing.T) {
	s := Compute(nil)
	if s != (Stats{}) {
		t.Errorf("expected zero-value Stats, got %+v", s)
	}
}

func TestSparkline_NonEmpty(t *testing.T) {
	line := Sparkline([]float64{1, 2, 3, 10})
	if len(line) != 4 {
		t.Errorf("expected 4 runes, got %d (%q)", len(line), line)
	}
}

func TestSparkline_FlatSeries(t *testing.T) {
	line := Sparkline([]float64{5, 5, 5})
	if len(line) != 3 {
		t.Errorf("expected 3 runes, got %d", len(line))
	}
}

func TestRenderAudit_ContainsVerdict(t *testing.T) {
	report := AuditReport{
		RunName: "nightly-2026-07-31",
		LastN:   8,
		Series:  []KPISeries{{Name: "net_bps", Values: []float64{1, 2, 3}}},
		Stats:   map[string]Stats{"net_bps": Compute([]float64{1, 2, 3})},
		Gates: []GateCheck{
			{Name: "maker_taker_ratio", Hard: true, Threshold: ">=0.83", Observed: "0.90", Passed: true},
		},
		Verdict:     VerdictReady,
		FreezeReady: true,
	}

	md := RenderAudit(report)
	if !strings.Contains(md, "**READY**") {
		t.Error("expected verdict in output")
	}
	if !strings.Contains(md, "net_bps") {
		t.Error("expected KPI name in output")
	}
}

func TestRenderFailures_OnlyHardMisses(t *testing.T) {
	gates := []GateCheck{
		{Name: "maker_taker_ratio", Hard: true, Threshold: ">=0.83", Observed: "0.70", Passed: false},
		{Name: "ws_lag_p95_ms", Hard: false, Threshold: "<=200", Observed: "250", Passed: false},
	}
	md := RenderFailures("run1", gates)
	if !strings.Contains(md, "maker_taker_ratio") {
		t.Error("expected hard gate failure listed")
	}
	if strings.Contains(md, "ws_lag_p95_ms") {
		t.Error("soft gate miss should not appear in FAILURES.md")
	}
}

func TestRenderFailures_NoneWhenAllHardPass(t *testing.T) {
	gates := []GateCheck{
		{Name: "maker_taker_ratio", Hard: true, Passed: true},
	}
	md := RenderFailures("run1", gates)
	if !strings.Contains(md, "No hard gate failures") {
		t.Error("expected no-failures message")
	}
}

func TestRenderRecommendations_Empty(t *testing.T) {
	md := RenderRecommendations("run1", nil)
	if !strings.Contains(md, "No outstanding recommendations") {
		t.Error("expected empty-state message")
	}
}
