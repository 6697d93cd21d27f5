package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketmaker/soaktest/internal/autotune"
	"github.com/marketmaker/soaktest/internal/clock"
	"github.com/marketmaker/soaktest/internal/config"
	"github.com/marketmaker/soaktest/internal/guards"
	"github.com/marketmaker/soaktest/internal/overrides"
	"github.com/marketmaker/soaktest/internal/registry"
)

// scriptedStrategy replays a fixed sequence of EDGE_REPORT bodies, one
// per RunIteration call, looping the final entry if asked for more
// iterations than scripted.
type scriptedStrategy struct {
	reports [][]byte
	calls   int
}

func (s *scriptedStrategy) RunIteration(ctx context.Context, resolvedConfig map[string]any) ([]byte, error) {
	idx := s.calls
	if idx >= len(s.reports) {
		idx = len(s.reports) - 1
	}
	s.calls++
	return s.reports[idx], nil
}

func edgeReportJSON(t *testing.T, riskRatio, netBps float64) []byte {
	t.Helper()
	doc := map[string]any{
		"totals": map[string]any{
			"net_bps": netBps,
			"component_breakdown": map[string]any{
				"gross_bps": 6.0, "fees_eff_bps": -1.2, "slippage_bps": -0.8,
				"adverse_bps": -0.9, "inventory_bps": 0.1, "net_bps": netBps,
			},
			"block_reasons": map[string]any{
				"risk":         map[string]any{"count": 10, "ratio": riskRatio},
				"min_interval": map[string]any{"count": 2, "ratio": 0.1},
				"concurrency":  map[string]any{"count": 1, "ratio": 0.05},
				"throttle":     map[string]any{"count": 0, "ratio": 0.0},
			},
			"adverse_bps_p95":  1.8,
			"slippage_bps_p95": 1.1,
			"order_age_ms_p95": 250,
			"ws_lag_ms_p95":    120,
			"maker_count":      83,
			"taker_count":      17,
		},
		"runtime": map[string]any{"utc": "1970-01-01T00:00:00Z", "version": "test"},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func newTestOrchestrator(t *testing.T, strategy Strategy) (*Orchestrator, string, string) {
	t.Helper()
	dir := t.TempDir()
	overridesPath := filepath.Join(dir, "runtime_overrides.json")
	reg := registry.Default()

	o := &Orchestrator{
		Clock:           clock.New(),
		Registry:        reg,
		Overrides:       overrides.New(reg),
		Tuner:           autotune.NewTunerWithDefaults(),
		Debounce:        guards.NewDebounce(),
		Freeze:          guards.NewFreezeState(),
		Velocity:        guards.NewVelocityLimiter(2),
		Oscillator:      guards.NewOscillationTracker(),
		Strategy:        strategy,
		Logger:          zerolog.Nop(),
		OutputDir:       dir,
		OverridesPath:   overridesPath,
		Iterations:      0,
		ProfileName:     "default",
		AutoTuneEnabled: true,
	}
	return o, dir, overridesPath
}

// TestSteadySafeConvergence drives six iterations of
// worsening-then-recovering risk_ratio and checks the run's core
// accounting: exactly six ITER_SUMMARY files, a TUNING_REPORT with
// exactly six entries, and the AGGRESSIVE zone firing while risk is
// high.
func TestSteadySafeConvergence(t *testing.T) {
	risks := []float64{0.17, 0.33, 0.68, 0.56, 0.47, 0.39}
	netBpsSeries := []float64{-1.50, -0.80, 3.00, 3.10, 3.20, 3.30}

	var reports [][]byte
	for i := range risks {
		reports = append(reports, edgeReportJSON(t, risks[i], netBpsSeries[i]))
	}

	strategy := &scriptedStrategy{reports: reports}
	o, dir, _ := newTestOrchestrator(t, strategy)
	o.Iterations = len(risks)

	err := o.Run(context.Background())
	require.NoError(t, err)

	for i := 1; i <= len(risks); i++ {
		path := filepath.Join(dir, fmt.Sprintf("ITER_SUMMARY_%d.json", i))
		require.FileExists(t, path)
	}

	reportData, err := os.ReadFile(filepath.Join(dir, "TUNING_REPORT.json"))
	require.NoError(t, err)
	var tuningReport []IterSummary
	require.NoError(t, json.Unmarshal(reportData, &tuningReport))
	require.Len(t, tuningReport, len(risks))

	require.Equal(t, string(autotune.ZoneAggressive), tuningReport[2].Zone)
}

// TestSameSignatureSkipDoesNotRepersist: once a
// NORMALIZE-zone delta has nudged min_interval_ms and impact_cap_ratio
// to their floor/cap, the same edge report proposes the identical
// (pre-clamp) target on every following iteration, so the second and
// third iterations must both skip with same_signature without
// touching the overrides file again.
func TestSameSignatureSkipDoesNotRepersist(t *testing.T) {
	reports := [][]byte{
		edgeReportJSON(t, 0.10, 4.0),
		edgeReportJSON(t, 0.10, 4.0),
		edgeReportJSON(t, 0.10, 4.0),
	}
	strategy := &scriptedStrategy{reports: reports}
	o, dir, overridesPath := newTestOrchestrator(t, strategy)
	o.Iterations = 3

	// Pre-seed the overrides already at the floor/cap the NORMALIZE
	// zone's deltas target, so the first iteration's clamp is already
	// a no-op and the second iteration's identical proposal collides
	// with the first iteration's applied signature.
	seed := overrides.Document{
		Values: map[string]float64{"min_interval_ms": 50, "impact_cap_ratio": 0.10},
		Source: map[string]overrides.Source{"min_interval_ms": overrides.SourceDefault, "impact_cap_ratio": overrides.SourceDefault},
	}
	require.NoError(t, o.Overrides.PersistAtomic(overridesPath, seed))
	seededStat, err := os.Stat(overridesPath)
	require.NoError(t, err)

	err = o.Run(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, seededStat.ModTime(), mustStat(t, overridesPath).ModTime())

	data1, err := os.ReadFile(filepath.Join(dir, "ITER_SUMMARY_1.json"))
	require.NoError(t, err)
	var first IterSummary
	require.NoError(t, json.Unmarshal(data1, &first))
	require.Equal(t, string(autotune.ZoneNormalize), first.Zone)
	require.NotEmpty(t, first.AppliedDeltas)

	statAfterIter1, err := os.Stat(overridesPath)
	require.NoError(t, err)

	for _, n := range []int{2, 3} {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("ITER_SUMMARY_%d.json", n)))
		require.NoError(t, err)
		var summary IterSummary
		require.NoError(t, json.Unmarshal(data, &summary))
		require.Equalf(t, SkipSameSignature, summary.SkipReason, "iteration %d", n)
		require.Emptyf(t, summary.AppliedDeltas, "iteration %d", n)
	}

	require.Equal(t, statAfterIter1.ModTime(), mustStat(t, overridesPath).ModTime())
}

// TestDebouncedAggressiveSignalFreezesRebidSubsystems covers the
// Debounce-to-Partial-Freeze wiring: a single AGGRESSIVE reading must
// not freeze anything (debounce requires the signal to hold), but a
// second consecutive AGGRESSIVE reading — with the debounce's open
// threshold collapsed to zero for this test — must freeze
// freezeTriggerTags and cause the next iteration's rebid/rescue_taker
// deltas to be dropped with a "frozen:" reason rather than silently
// vanish.
func TestDebouncedAggressiveSignalFreezesRebidSubsystems(t *testing.T) {
	reports := [][]byte{
		edgeReportJSON(t, 0.70, -1.0),
		edgeReportJSON(t, 0.70, -1.0),
		edgeReportJSON(t, 0.70, -1.0),
	}
	strategy := &scriptedStrategy{reports: reports}
	o, dir, _ := newTestOrchestrator(t, strategy)
	o.Iterations = 3
	o.Debounce = guards.NewDebounceWithDurations(0, 0)

	require.NoError(t, o.Run(context.Background()))

	data1, err := os.ReadFile(filepath.Join(dir, "ITER_SUMMARY_1.json"))
	require.NoError(t, err)
	var first IterSummary
	require.NoError(t, json.Unmarshal(data1, &first))
	require.Empty(t, first.FrozenTags, "a single AGGRESSIVE reading must not freeze anything yet")

	data2, err := os.ReadFile(filepath.Join(dir, "ITER_SUMMARY_2.json"))
	require.NoError(t, err)
	var second IterSummary
	require.NoError(t, json.Unmarshal(data2, &second))

	require.Contains(t, second.FrozenTags, "rebid")
	require.Contains(t, second.FrozenTags, "rescue_taker")

	var sawFrozenDrop bool
	for _, d := range second.DroppedDeltas {
		if d.Reason == "frozen:rebid" || d.Reason == "frozen:rescue_taker" {
			sawFrozenDrop = true
		}
	}
	require.True(t, sawFrozenDrop, "expected at least one dropped delta tagged with a frozen: reason, got %+v", second.DroppedDeltas)
}

// TestDroppedDeltasRecordGuardReasonsAndSortedOutput covers the
// velocity guard's drop path directly: the third proposal for the
// same parameter within one iteration exceeds VelocityLimiter's
// default cap of 2 and must appear in DroppedDeltas with
// guards.ReasonVelocityBlocked, while AppliedDeltas stays sorted by
// Param regardless of the underlying map's iteration order.
func TestDroppedDeltasRecordGuardReasonsAndSortedOutput(t *testing.T) {
	o, _, overridesPath := newTestOrchestrator(t, &scriptedStrategy{})
	require.NoError(t, o.Overrides.PersistAtomic(overridesPath, overrides.Document{
		Values: map[string]float64{"min_interval_ms": 70, "impact_cap_ratio": 0.09, "tail_age_ms": 300},
		Source: map[string]overrides.Source{},
	}))

	proposed := []autotune.Delta{
		{Param: "min_interval_ms", Value: 5, Rationale: "r1"},
		{Param: "min_interval_ms", Value: 5, Rationale: "r2"},
		{Param: "min_interval_ms", Value: 5, Rationale: "r3"},
		{Param: "impact_cap_ratio", Value: -0.005, Rationale: "r4"},
	}

	applied, dropped, skipReason, err := o.applyDeltas(1, proposed)
	require.NoError(t, err)
	require.Empty(t, skipReason)

	require.Len(t, dropped, 1)
	require.Equal(t, "min_interval_ms", dropped[0].Param)
	require.Equal(t, guards.ReasonVelocityBlocked, dropped[0].Reason)
	require.Equal(t, "r3", dropped[0].Rationale)

	require.Len(t, applied, 2)
	require.Equal(t, "impact_cap_ratio", applied[0].Param)
	require.Equal(t, "min_interval_ms", applied[1].Param)
}

// TestAbsoluteSoftCapOverrideLandsInOneIteration covers the
// ultra-conservative soft-cap path: a ModeAbsolute proposal must reach
// its target through SetBaseline in a single iteration instead of
// being chunked by the registry's per-step delta cap (0.09 -> 0.06 is
// a 0.03 move against a 0.02 max step).
func TestAbsoluteSoftCapOverrideLandsInOneIteration(t *testing.T) {
	o, _, overridesPath := newTestOrchestrator(t, &scriptedStrategy{})
	require.NoError(t, o.Overrides.PersistAtomic(overridesPath, overrides.Document{
		Values: map[string]float64{"impact_cap_ratio": 0.09},
		Source: map[string]overrides.Source{},
	}))

	proposed := []autotune.Delta{
		{Param: "impact_cap_ratio", Mode: autotune.ModeAbsolute, Value: 0.06, Rationale: "SOFTCAP:ultra_conservative"},
	}
	applied, dropped, skipReason, err := o.applyDeltas(1, proposed)
	require.NoError(t, err)
	require.Empty(t, skipReason)
	require.Empty(t, dropped)
	require.Len(t, applied, 1)
	require.Equal(t, 0.06, applied[0].Value)

	doc, err := o.Overrides.Load(overridesPath)
	require.NoError(t, err)
	require.Equal(t, 0.06, doc.Values["impact_cap_ratio"])
	require.Equal(t, overrides.SourceRuntime, doc.Source["impact_cap_ratio"])
}

// cancellingStrategy cancels the run's own context partway through its
// first invocation, so the cancellation lands between the iteration's
// persist and the following inter-iteration sleep.
type cancellingStrategy struct {
	inner  Strategy
	cancel context.CancelFunc
}

func (s *cancellingStrategy) RunIteration(ctx context.Context, resolvedConfig map[string]any) ([]byte, error) {
	s.cancel()
	return s.inner.RunIteration(ctx, resolvedConfig)
}

// TestCancelDuringSleepWritesPartialSummary: a context cancelled while
// the orchestrator sleeps between iterations must still leave a
// partial=true ITER_SUMMARY for the iteration that never ran, the same
// marker the top-of-loop cancellation check writes.
func TestCancelDuringSleepWritesPartialSummary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	strategy := &cancellingStrategy{
		inner:  &scriptedStrategy{reports: [][]byte{edgeReportJSON(t, 0.10, 4.0)}},
		cancel: cancel,
	}
	o, dir, _ := newTestOrchestrator(t, strategy)
	o.Iterations = 3
	o.SleepSeconds = 1 // the sleep select sees the already-cancelled ctx immediately

	require.NoError(t, o.Run(ctx))

	data1, err := os.ReadFile(filepath.Join(dir, "ITER_SUMMARY_1.json"))
	require.NoError(t, err)
	var first IterSummary
	require.NoError(t, json.Unmarshal(data1, &first))
	require.False(t, first.Partial, "iteration 1 completed before the cancel took effect")

	data2, err := os.ReadFile(filepath.Join(dir, "ITER_SUMMARY_2.json"))
	require.NoError(t, err)
	var second IterSummary
	require.NoError(t, json.Unmarshal(data2, &second))
	require.True(t, second.Partial)
	require.Equal(t, 2, second.Iteration)

	require.NoFileExists(t, filepath.Join(dir, "ITER_SUMMARY_3.json"))

	reportData, err := os.ReadFile(filepath.Join(dir, "TUNING_REPORT.json"))
	require.NoError(t, err)
	var tuningReport []IterSummary
	require.NoError(t, json.Unmarshal(reportData, &tuningReport))
	require.Len(t, tuningReport, 2)
}

// TestCancelBeforeFirstIterationWritesPartialSummary covers the
// top-of-loop cancellation path: a context cancelled before Run is
// even called yields a single partial=true ITER_SUMMARY_1 and nothing
// else.
func TestCancelBeforeFirstIterationWritesPartialSummary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, dir, _ := newTestOrchestrator(t, &scriptedStrategy{reports: [][]byte{edgeReportJSON(t, 0.10, 4.0)}})
	o.Iterations = 2

	require.NoError(t, o.Run(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "ITER_SUMMARY_1.json"))
	require.NoError(t, err)
	var first IterSummary
	require.NoError(t, json.Unmarshal(data, &first))
	require.True(t, first.Partial)
	require.NoFileExists(t, filepath.Join(dir, "ITER_SUMMARY_2.json"))
}

func mustStat(t *testing.T, path string) os.FileInfo {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info
}

// TestAutoTuneDisabledNeverProposes ensures --auto-tune=false suppresses
// the tuner entirely rather than merely leaving its deltas unapplied.
func TestAutoTuneDisabledNeverProposes(t *testing.T) {
	strategy := &scriptedStrategy{reports: [][]byte{edgeReportJSON(t, 0.80, -5.0)}}
	o, dir, _ := newTestOrchestrator(t, strategy)
	o.Iterations = 1
	o.AutoTuneEnabled = false

	require.NoError(t, o.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "ITER_SUMMARY_1.json"))
	require.NoError(t, err)
	var summary IterSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Empty(t, summary.ProposedDeltas)
	require.Equal(t, SkipNoDeltas, summary.SkipReason)
}

// TestPersistFailureHardStopsRun covers the hard-stop policy for
// overrides-store failures: if the overrides path itself is a
// directory, Run must return an error instead of silently recording a
// skip reason and continuing.
func TestPersistFailureHardStopsRun(t *testing.T) {
	strategy := &scriptedStrategy{reports: [][]byte{edgeReportJSON(t, 0.80, -5.0)}}
	o, _, _ := newTestOrchestrator(t, strategy)
	o.Iterations = 2
	// Point the overrides path at a directory so the store's load step
	// inside applyDeltas fails reading it, before PersistAtomic is
	// reached.
	o.OverridesPath = o.OutputDir

	err := o.Run(context.Background())
	require.Error(t, err)
}

// TestProfileBaselineAppliedBeforeFirstIteration covers the
// apply-profile-before-iter-1 requirement: the profile's values must
// already be in effect (and source-tagged profile:<name>) by the time
// iteration 1's config is resolved.
func TestProfileBaselineAppliedBeforeFirstIteration(t *testing.T) {
	strategy := &scriptedStrategy{reports: [][]byte{edgeReportJSON(t, 0.10, 4.0)}}
	o, _, overridesPath := newTestOrchestrator(t, strategy)
	o.Iterations = 1
	o.AutoTuneEnabled = false // isolate the baseline write from iteration 1's own delta
	o.ProfileName = "steady_safe"
	o.Profile = &config.Profile{
		Name:  "steady_safe",
		Quote: map[string]any{"min_interval_ms": 75},
	}

	require.NoError(t, o.Run(context.Background()))

	data, err := os.ReadFile(overridesPath)
	require.NoError(t, err)
	var onDisk struct {
		Values map[string]float64 `json:"values"`
		Source map[string]string  `json:"source"`
	}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, 75.0, onDisk.Values["min_interval_ms"])
	require.Equal(t, "profile:steady_safe", onDisk.Source["min_interval_ms"])
}

// Every summary of one run carries the same run id, so downstream
// artifacts (snapshot, canary tag) can correlate back to the run.
func TestRunIDStampedOnEverySummary(t *testing.T) {
	strategy := &scriptedStrategy{reports: [][]byte{edgeReportJSON(t, 0.2, 1.0)}}
	o, dir, _ := newTestOrchestrator(t, strategy)
	o.RunID = "5f0c9e2a-run"
	o.Iterations = 2

	require.NoError(t, o.Run(context.Background()))

	for i := 1; i <= 2; i++ {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("ITER_SUMMARY_%d.json", i)))
		require.NoError(t, err)
		var s IterSummary
		require.NoError(t, json.Unmarshal(data, &s))
		require.Equal(t, "5f0c9e2a-run", s.RunID)
	}
}

// TestSameParamDeltasCompoundWithinOneIteration: a zone delta and a
// driver add-on landing on the same parameter in one Propose call
// (NORMALIZE's min_interval_ms -3 plus age-relief's -10 is the
// routine pairing) must compound against a running value instead of
// the second resolving from the stale baseline and clobbering the
// first. 70 - 3 - 10 = 57, which the registry then snaps to 55.
func TestSameParamDeltasCompoundWithinOneIteration(t *testing.T) {
	o, _, overridesPath := newTestOrchestrator(t, &scriptedStrategy{})
	require.NoError(t, o.Overrides.PersistAtomic(overridesPath, overrides.Document{
		Values: map[string]float64{"min_interval_ms": 70},
		Source: map[string]overrides.Source{},
	}))

	proposed := []autotune.Delta{
		{Param: "min_interval_ms", Value: -3, Rationale: "ZONE:NORMALIZE → min_interval_ms -= 3"},
		{Param: "min_interval_ms", Value: -10, Rationale: "DRIVER:age_relief → min_interval_ms -= 10"},
	}
	applied, dropped, skipReason, err := o.applyDeltas(1, proposed)
	require.NoError(t, err)
	require.Empty(t, skipReason)
	require.Empty(t, dropped, "compounding same-param deltas is not a guard rejection")

	require.Len(t, applied, 1)
	require.Equal(t, 55.0, applied[0].Value)
	require.Contains(t, applied[0].Rationale, "NORMALIZE")
	require.Contains(t, applied[0].Rationale, "age_relief")
}

// TestAbsoluteOverrideSupersedesLaterRelativeDelta: once an absolute
// soft-cap override pins a parameter, a later relative delta for it
// in the same iteration is suppressed with a recorded reason, never
// silently.
func TestAbsoluteOverrideSupersedesLaterRelativeDelta(t *testing.T) {
	o, _, overridesPath := newTestOrchestrator(t, &scriptedStrategy{})
	require.NoError(t, o.Overrides.PersistAtomic(overridesPath, overrides.Document{
		Values: map[string]float64{"impact_cap_ratio": 0.09},
		Source: map[string]overrides.Source{},
	}))

	proposed := []autotune.Delta{
		{Param: "impact_cap_ratio", Mode: autotune.ModeAbsolute, Value: 0.06, Rationale: "SOFTCAP:ultra_conservative"},
		{Param: "impact_cap_ratio", Value: -0.005, Rationale: "ZONE:MODERATE → impact_cap_ratio -= 0.005"},
	}
	applied, dropped, skipReason, err := o.applyDeltas(1, proposed)
	require.NoError(t, err)
	require.Empty(t, skipReason)

	require.Len(t, dropped, 1)
	require.Equal(t, ReasonAbsoluteOverride, dropped[0].Reason)

	require.Len(t, applied, 1)
	require.Equal(t, 0.06, applied[0].Value)
}

// TestSkipAlreadyAppliedWhenTargetsMatchOnDisk: an absolute override
// re-proposing the value already on disk has nothing to persist and
// must skip with already_applied, leaving the overrides file
// untouched.
func TestSkipAlreadyAppliedWhenTargetsMatchOnDisk(t *testing.T) {
	o, _, overridesPath := newTestOrchestrator(t, &scriptedStrategy{})
	require.NoError(t, o.Overrides.PersistAtomic(overridesPath, overrides.Document{
		Values: map[string]float64{"impact_cap_ratio": 0.06},
		Source: map[string]overrides.Source{},
	}))
	statBefore := mustStat(t, overridesPath)

	proposed := []autotune.Delta{
		{Param: "impact_cap_ratio", Mode: autotune.ModeAbsolute, Value: 0.06, Rationale: "SOFTCAP:ultra_conservative"},
	}
	applied, dropped, skipReason, err := o.applyDeltas(1, proposed)
	require.NoError(t, err)
	require.Equal(t, SkipAlreadyApplied, skipReason)
	require.Empty(t, applied)
	require.Empty(t, dropped)
	require.Equal(t, statBefore.ModTime(), mustStat(t, overridesPath).ModTime())
}
