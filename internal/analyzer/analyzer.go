// Package analyzer implements the post-soak Analyzer: it scans
// the ITER_SUMMARY_*.json files a run produced, aggregates the last-N
// window into a Snapshot, and renders a READY/HOLD/BLOCK verdict
// against the KPI gates in internal/gates.
package analyzer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/marketmaker/soaktest/internal/gates"
	"github.com/marketmaker/soaktest/internal/ops"
)

// IterRecord is the subset of an ITER_SUMMARY the analyzer reads.
// Decoded independently from orchestrator.IterSummary so this package
// never needs the orchestrator's guard/delta machinery, only the KPI
// fields every ITER_SUMMARY carries.
type IterRecord struct {
	Iteration       int      `json:"iteration"`
	RunID           string   `json:"run_id,omitempty"`
	UTC             string   `json:"utc"`
	RiskRatio       float64  `json:"risk_ratio"`
	NetBps          float64  `json:"net_bps"`
	MakerTakerRatio float64  `json:"maker_taker_ratio"`
	P95LatencyMs    float64  `json:"p95_latency_ms"`
	WsLagP95Ms      float64  `json:"ws_lag_p95_ms"`
	SkipReason      string   `json:"skip_reason,omitempty"`
	FrozenTags      []string `json:"frozen_tags,omitempty"`
	AppliedDeltas   []struct {
		Param string `json:"param"`
	} `json:"applied_deltas,omitempty"`
	Partial bool `json:"partial,omitempty"`
}

var iterFileRe = regexp.MustCompile(`^ITER_SUMMARY_(\d+)\.json$`)

// LoadIterRecords reads every ITER_SUMMARY_*.json in dir and returns
// them sorted by iteration number ascending.
func LoadIterRecords(dir string) ([]IterRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("analyzer: read dir %s: %w", dir, err)
	}

	type numbered struct {
		n   int
		rec IterRecord
	}
	var found []numbered

	for _, entry := range entries {
		m := iterFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("analyzer: read %s: %w", entry.Name(), err)
		}

		var rec IterRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("analyzer: parse %s: %w", entry.Name(), err)
		}
		found = append(found, numbered{n: n, rec: rec})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	records := make([]IterRecord, 0, len(found))
	for _, f := range found {
		records = append(records, f.rec)
	}
	return records, nil
}

// Window returns the last n records (fewer if the series is shorter).
func Window(records []IterRecord, n int) []IterRecord {
	if n <= 0 || n >= len(records) {
		return records
	}
	return records[len(records)-n:]
}

// Snapshot is the aggregate result of analyzing a window of
// iterations.
type Snapshot struct {
	RunID          string               `json:"run_id,omitempty"`
	LastN          int                  `json:"last_n"`
	Stats          map[string]ops.Stats `json:"stats"`
	Verdict        string               `json:"verdict"`
	FreezeReady    bool                 `json:"freeze_ready"`
	PassCountLastN int                  `json:"pass_count_last_n"`
	KPIGoalsMet    map[string]bool      `json:"kpi_goals_met"`
	SignatureStuck bool                 `json:"signature_stuck"`
	FullApplyRatio float64              `json:"full_apply_ratio"`
}

// series extracts one KPI's values across records, in order,
// excluding partial/skip iterations with missing data.
func series(records []IterRecord, pick func(IterRecord) float64) []float64 {
	out := make([]float64, 0, len(records))
	for _, r := range records {
		if r.Partial {
			continue
		}
		out = append(out, pick(r))
	}
	return out
}

// perIterationPass reports, for each record, whether it clears every
// hard gate in g.
func perIterationPass(r IterRecord, g gates.HardGates) bool {
	return r.MakerTakerRatio >= g.MakerTakerRatioMin &&
		r.P95LatencyMs <= g.P95LatencyMsMax &&
		r.RiskRatio <= g.RiskRatioMax &&
		r.NetBps >= g.NetBpsMin
}

// isMonotonicImproving3 reports whether the last 3 net_bps readings
// are non-decreasing and the last 3 risk_ratio readings are
// non-increasing — the "improving" trend HOLD requires.
func isMonotonicImproving3(records []IterRecord) bool {
	if len(records) < 3 {
		return false
	}
	last3 := records[len(records)-3:]
	for i := 1; i < len(last3); i++ {
		if last3[i].NetBps < last3[i-1].NetBps {
			return false
		}
		if last3[i].RiskRatio > last3[i-1].RiskRatio {
			return false
		}
	}
	return true
}

// Analyze computes a Snapshot from the last-N window of records
// against mode's hard/soft gates. signatureStuck and fullApplyRatio
// come from the Delta Verifier and feed freeze_ready directly.
func Analyze(records []IterRecord, lastN int, router *gates.Router, mode gates.Mode, signatureStuck bool, fullApplyRatio float64) Snapshot {
	window := Window(records, lastN)
	hard := router.HardGatesFor(mode)

	stats := map[string]ops.Stats{
		"maker_taker_ratio": ops.Compute(series(window, func(r IterRecord) float64 { return r.MakerTakerRatio })),
		"net_bps":           ops.Compute(series(window, func(r IterRecord) float64 { return r.NetBps })),
		"p95_latency_ms":    ops.Compute(series(window, func(r IterRecord) float64 { return r.P95LatencyMs })),
		"risk_ratio":        ops.Compute(series(window, func(r IterRecord) float64 { return r.RiskRatio })),
		"ws_lag_p95_ms":     ops.Compute(series(window, func(r IterRecord) float64 { return r.WsLagP95Ms })),
	}

	kpiGoalsMet := map[string]bool{
		"maker_taker_ratio": stats["maker_taker_ratio"].Mean >= hard.MakerTakerRatioMin,
		"net_bps":           stats["net_bps"].Mean >= hard.NetBpsMin,
		"p95_latency_ms":    stats["p95_latency_ms"].Mean <= hard.P95LatencyMsMax,
		"risk_ratio":        stats["risk_ratio"].Mean <= hard.RiskRatioMax,
	}

	missCount := 0
	for _, met := range kpiGoalsMet {
		if !met {
			missCount++
		}
	}

	passCount := 0
	for _, r := range window {
		if r.Partial {
			continue
		}
		if perIterationPass(r, hard) {
			passCount++
		}
	}

	requiredPasses := int(math.Ceil(0.75 * float64(len(window))))

	var verdict string
	switch {
	case missCount == 0 && passCount >= requiredPasses:
		verdict = string(ops.VerdictReady)
	case missCount <= 2 && isMonotonicImproving3(window):
		verdict = string(ops.VerdictHold)
	default:
		verdict = string(ops.VerdictBlock)
	}

	freezeReady := verdict == string(ops.VerdictReady) && !signatureStuck && fullApplyRatio >= 0.95

	// The run id is stamped on every summary of one run; carry the most
	// recent one so downstream artifacts correlate back to the run.
	var runID string
	for _, r := range window {
		if r.RunID != "" {
			runID = r.RunID
		}
	}

	return Snapshot{
		RunID:          runID,
		LastN:          len(window),
		Stats:          stats,
		Verdict:        verdict,
		FreezeReady:    freezeReady,
		PassCountLastN: passCount,
		KPIGoalsMet:    kpiGoalsMet,
		SignatureStuck: signatureStuck,
		FullApplyRatio: fullApplyRatio,
	}
}
