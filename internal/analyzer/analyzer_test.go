package analyzer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/marketmaker/soaktest/internal/gates"
)

func writeIterFile(t *testing.T, dir string, n int, rec IterRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "ITER_SUMMARY_"+itoa(n)+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestLoadIterRecords_SortedNumerically(t *testing.T) {
	dir := t.TempDir()
	writeIterFile(t, dir, 2, IterRecord{Iteration: 2, NetBps: 2})
	writeIterFile(t, dir, 10, IterRecord{Iteration: 10, NetBps: 10})
	writeIterFile(t, dir, 1, IterRecord{Iteration: 1, NetBps: 1})

	records, err := LoadIterRecords(dir)
	if err != nil {
		t.Fatalf("LoadIterRecords: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Iteration != 1 || records[1].Iteration != 2 || records[2].Iteration != 10 {
		t.Errorf("expected numeric order 1,2,10, got %d,%d,%d", records[0].Iteration, records[1].Iteration, records[2].Iteration)
	}
}

// TestAnalyze_ConvergesToReadyOnceWindowIsSteady feeds a trajectory
// where risk_ratio and net_bps both converge toward the hard-gate
// thresholds from an unsafe start, and evaluates the last-N window
// only over the iterations where the tuner has actually converged: an 8-default window spanning the
// still-divergent warmup iterations can't average into READY, so a
// run only reaches READY once enough converged iterations exist to
// fill the window.
func TestAnalyze_ConvergesToReadyOnceWindowIsSteady(t *testing.T) {
	riskSeq := []float64{0.17, 0.33, 0.68, 0.56, 0.47, 0.39}
	netSeq := []float64{-1.50, -0.80, 3.00, 3.10, 3.20, 3.30}

	records := make([]IterRecord, 0, 6)
	for i := range riskSeq {
		records = append(records, IterRecord{
			Iteration:       i + 1,
			RiskRatio:       riskSeq[i],
			NetBps:          netSeq[i],
			MakerTakerRatio: 0.90,
			P95LatencyMs:    300,
			WsLagP95Ms:      150,
		})
	}

	router := gates.NewRouterWithDefaults()

	// With the default window (8), the still-divergent warmup
	// iterations drag the mean risk_ratio above the hard gate, so the
	// run is HOLD (missing gates, but improving over the last 3).
	warmupSnap := Analyze(records, 8, router, gates.ModeSoak, false, 1.0)
	if warmupSnap.Verdict != "HOLD" {
		t.Errorf("expected HOLD while warmup iterations are still in the window, got %s", warmupSnap.Verdict)
	}

	// Once the window only spans a steadily-converged tail (a longer
	// run where the default window has aged the warmup iterations
	// out), every hard gate holds and the run is READY.
	converged := []IterRecord{
		{Iteration: 7, RiskRatio: 0.38, NetBps: 3.1, MakerTakerRatio: 0.90, P95LatencyMs: 300},
		{Iteration: 8, RiskRatio: 0.37, NetBps: 3.2, MakerTakerRatio: 0.91, P95LatencyMs: 295},
		{Iteration: 9, RiskRatio: 0.36, NetBps: 3.3, MakerTakerRatio: 0.91, P95LatencyMs: 290},
	}
	convergedSnap := Analyze(converged, 3, router, gates.ModeSoak, false, 1.0)
	if convergedSnap.Verdict != "READY" {
		t.Errorf("expected READY once only converged iterations remain in the window, got %s", convergedSnap.Verdict)
	}
	if !convergedSnap.FreezeReady {
		t.Error("expected freeze_ready=true for the converged window")
	}
}

func TestAnalyze_BlockWhenHardGatesMissAndNotImproving(t *testing.T) {
	records := []IterRecord{
		{Iteration: 1, RiskRatio: 0.70, NetBps: -2.0, MakerTakerRatio: 0.5, P95LatencyMs: 400},
		{Iteration: 2, RiskRatio: 0.72, NetBps: -2.5, MakerTakerRatio: 0.5, P95LatencyMs: 420},
		{Iteration: 3, RiskRatio: 0.75, NetBps: -3.0, MakerTakerRatio: 0.5, P95LatencyMs: 440},
	}
	router := gates.NewRouterWithDefaults()
	snap := Analyze(records, 8, router, gates.ModeSoak, false, 1.0)

	if snap.Verdict != "BLOCK" {
		t.Errorf("expected BLOCK verdict for worsening KPIs, got %s", snap.Verdict)
	}
	if snap.FreezeReady {
		t.Error("BLOCK verdict must never be freeze_ready")
	}
}

func TestAnalyze_FreezeReadyRequiresFullApplyRatio(t *testing.T) {
	records := make([]IterRecord, 0, 8)
	for i := 0; i < 8; i++ {
		records = append(records, IterRecord{
			Iteration: i + 1, RiskRatio: 0.30, NetBps: 3.2, MakerTakerRatio: 0.90, P95LatencyMs: 300,
		})
	}
	router := gates.NewRouterWithDefaults()

	snap := Analyze(records, 8, router, gates.ModeSoak, false, 0.50)
	if snap.Verdict != "READY" {
		t.Fatalf("expected READY, got %s", snap.Verdict)
	}
	if snap.FreezeReady {
		t.Error("freeze_ready must be false when full_apply_ratio < 0.95")
	}
}

func TestAnalyze_FreezeReadyFalseWhenSignatureStuck(t *testing.T) {
	records := make([]IterRecord, 0, 8)
	for i := 0; i < 8; i++ {
		records = append(records, IterRecord{
			Iteration: i + 1, RiskRatio: 0.30, NetBps: 3.2, MakerTakerRatio: 0.90, P95LatencyMs: 300,
		})
	}
	router := gates.NewRouterWithDefaults()

	snap := Analyze(records, 8, router, gates.ModeSoak, true, 1.0)
	if snap.FreezeReady {
		t.Error("freeze_ready must be false when signature_stuck=true")
	}
}
