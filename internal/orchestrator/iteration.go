// Package orchestrator drives the per-iteration soak loop: resolve
// config, invoke the external strategy, read its edge report, ask the
// auto-tuner for a delta, filter it through the guards, apply it via
// the overrides store, and persist an ITER_SUMMARY. It owns every
// piece of per-run state explicitly — no process-wide globals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketmaker/soaktest/internal/atomicio"
	"github.com/marketmaker/soaktest/internal/autotune"
	"github.com/marketmaker/soaktest/internal/clock"
	"github.com/marketmaker/soaktest/internal/config"
	"github.com/marketmaker/soaktest/internal/edgereport"
	"github.com/marketmaker/soaktest/internal/guards"
	"github.com/marketmaker/soaktest/internal/overrides"
	"github.com/marketmaker/soaktest/internal/registry"
)

// MaxSleepSeconds bounds SOAK_SLEEP_SECONDS; the orchestrator clamps
// any configured value into [0, MaxSleepSeconds] before sleeping.
const MaxSleepSeconds = 3600

// ErrStrategyFailure marks an iteration whose strategy invocation
// failed. Three consecutive occurrences abort the run.
var ErrStrategyFailure = errors.New("orchestrator: strategy invocation failed")

// Skip reasons logged on ITER_SUMMARY when a non-empty delta was not
// applied.
const (
	SkipAlreadyApplied       = "already_applied"
	SkipNoDeltas             = "no_deltas"
	SkipAllDeltasZero        = "all_deltas_zero"
	SkipFinalIteration       = "final_iteration"
	SkipSameSignature        = "same_signature"
	SkipAllParamsFrozen      = "all_params_frozen"
	SkipVelocityBlocked      = guards.ReasonVelocityBlocked
	SkipOscillationInhibited = guards.ReasonOscillationInhibited
)

// ReasonAbsoluteOverride marks a relative delta suppressed because an
// absolute soft-cap override already pinned the same parameter this
// iteration.
const ReasonAbsoluteOverride = "absolute-override"

// Strategy is the external collaborator invoked once per iteration: it
// consumes the resolved config and the active overrides file, and
// produces an EDGE_REPORT. Implementations include a live adapter and
// the deterministic mock generator in mock.go.
type Strategy interface {
	RunIteration(ctx context.Context, resolvedConfig map[string]any) ([]byte, error)
}

// ParamToSubsystem maps a tunable parameter to the Partial-Freeze
// subsystem tag that governs it. Parameters with no subsystem mapping
// are never filtered by freeze state.
var ParamToSubsystem = map[string]string{
	"min_interval_ms":       "rebid",
	"replace_rate_per_min":  "rebid",
	"tail_age_ms":           "rescue_taker",
	"impact_cap_ratio":      "risk",
	"max_delta_ratio":       "risk",
	"base_spread_bps_delta": "rebid",
}

// freezeTriggerTags are the subsystems the debounced AGGRESSIVE-zone
// signal freezes: rebid cadence and rescue-taker timing, the two
// subsystems the zone's own primary deltas (min_interval_ms,
// tail_age_ms) already tighten. risk is deliberately left unfrozen so
// impact_cap_ratio/max_delta_ratio keep responding every iteration,
// and edge can never be frozen at all (guards.EdgeTag).
var freezeTriggerTags = []string{"rebid", "rescue_taker"}

// Orchestrator holds every piece of state one soak run needs.
type Orchestrator struct {
	Clock      clock.Clock
	Registry   *registry.Registry
	Overrides  *overrides.Store
	Tuner      *autotune.Tuner
	Debounce   *guards.Debounce
	Freeze     *guards.FreezeState
	Velocity   *guards.VelocityLimiter
	Oscillator *guards.OscillationTracker
	Strategy   Strategy
	Logger     zerolog.Logger
	Printer    Printer

	RunID           string
	OutputDir       string
	OverridesPath   string
	SleepSeconds    int
	Iterations      int
	ProfileName     string
	Profile         *config.Profile
	AutoTuneEnabled bool

	consecutiveStrategyFailures int
	lastAppliedSignature        string
	tuningReport                []IterSummary
}

// IterSummary is the per-iteration record written atomically as
// ITER_SUMMARY_{i}.json and accumulated into TUNING_REPORT.json.
type IterSummary struct {
	Iteration       int            `json:"iteration"`
	RunID           string         `json:"run_id,omitempty"`
	UTC             string         `json:"utc"`
	ResolvedConfig  map[string]any `json:"resolved_config"`
	Zone            string         `json:"zone,omitempty"`
	RiskRatio       float64        `json:"risk_ratio"`
	NetBps          float64        `json:"net_bps"`
	MakerTakerRatio float64        `json:"maker_taker_ratio"`
	P95LatencyMs    float64        `json:"p95_latency_ms"`
	WsLagP95Ms      float64        `json:"ws_lag_p95_ms"`
	ProposedDeltas  []DeltaRecord  `json:"proposed_deltas"`
	AppliedDeltas   []DeltaRecord  `json:"applied_deltas"`
	DroppedDeltas   []DeltaRecord  `json:"dropped_deltas,omitempty"`
	SkipReason      string         `json:"skip_reason,omitempty"`
	FrozenTags      []string       `json:"frozen_tags,omitempty"`
	StrategyError   string         `json:"strategy_error,omitempty"`
	EdgeReportError string         `json:"edge_report_error,omitempty"`
	Partial         bool           `json:"partial,omitempty"`
}

// DeltaRecord is one parameter change recorded in an ITER_SUMMARY,
// preserving the tuner's rationale string verbatim.
type DeltaRecord struct {
	Param     string  `json:"param"`
	Value     float64 `json:"value"`
	Rationale string  `json:"rationale"`
	Clipped   bool    `json:"clipped"`
	Reason    string  `json:"reason,omitempty"`
}

// Run executes the full iteration loop. It never returns an error for
// recoverable per-iteration failures (strategy/edge-report); it
// returns an error on any overrides-store failure (load, apply or
// persist), on three consecutive strategy failures, and when setup
// (clearing prior output, applying the profile baseline, resolving
// config) or writing a summary fails. Cancellation — whether caught at the
// top of the loop or mid-sleep — writes a partial=true ITER_SUMMARY
// for the iteration that never ran and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Logger.Info().Str("run_id", o.RunID).Str("profile", o.ProfileName).Int("iterations", o.Iterations).Msg("soak run starting")

	if err := o.cleanPriorState(); err != nil {
		return fmt.Errorf("orchestrator: clean prior state: %w", err)
	}

	if err := o.applyProfileBaseline(); err != nil {
		return fmt.Errorf("orchestrator: apply profile baseline: %w", err)
	}

	for i := 1; i <= o.Iterations; i++ {
		select {
		case <-ctx.Done():
			return o.finishPartial(i)
		default:
		}

		summary, err := o.runIteration(ctx, i)
		if err != nil {
			return err
		}

		if err := o.persistSummary(i, summary); err != nil {
			return err
		}

		if o.Printer != nil {
			o.Printer.Iteration(summary)
		}

		if i < o.Iterations {
			if err := o.sleepBetweenIterations(ctx); err != nil {
				// Cancellation mid-sleep leaves the same partial=true
				// marker as cancellation at the top of the loop: the
				// next iteration never ran, so it is the partial one.
				return o.finishPartial(i + 1)
			}
		}
	}

	if o.Printer != nil {
		o.Printer.Done(o.Iterations)
	}
	o.Logger.Info().Msg("soak run complete")
	return nil
}

// cleanPriorState removes any ITER_SUMMARY_*.json and TUNING_REPORT.json
// left over from a previous run in OutputDir, so a fresh run's
// TUNING_REPORT.json length invariant (len == iterations completed so
// far) never inherits a longer-running prior session's tail.
func (o *Orchestrator) cleanPriorState() error {
	entries, err := os.ReadDir(o.OutputDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "TUNING_REPORT.json" || (strings.HasPrefix(name, "ITER_SUMMARY_") && strings.HasSuffix(name, ".json")) {
			if err := os.Remove(filepath.Join(o.OutputDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyProfileBaseline copies the chosen profile's parameter values
// into the overrides store before iteration 1, sourced as
// profile:<name> rather than runtime, and logs the baseline event.
// A nil Profile is a no-op: the run starts from whatever overrides
// already exist on disk (or the bare defaults).
func (o *Orchestrator) applyProfileBaseline() error {
	if o.Profile == nil {
		return nil
	}

	doc, err := o.Overrides.Load(o.OverridesPath)
	if err != nil {
		return err
	}

	profileDoc := o.Profile.AsDoc()
	delta := overrides.Delta{}
	for _, name := range o.Registry.Names() {
		value, ok, err := o.Registry.ReadNested(profileDoc, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		f, err := toFloat(value)
		if err != nil {
			continue
		}
		delta[name] = f
	}
	if len(delta) == 0 {
		return nil
	}

	source := overrides.ProfileSource(o.ProfileName)
	next, _, err := o.Overrides.SetBaseline(doc, delta, source)
	if err != nil {
		return err
	}
	if err := o.Overrides.PersistAtomic(o.OverridesPath, next); err != nil {
		return err
	}

	o.Logger.Info().Str("profile", o.ProfileName).Msg(strings.ToUpper(o.ProfileName) + " baseline applied before iter=1")
	return nil
}

// observeFreezeSignal feeds this iteration's AGGRESSIVE-zone reading
// through the Debounce guard and, on a debounced transition, drives
// the Partial-Freeze state: a sustained AGGRESSIVE run (risk_ratio
// continuously high for Debounce's open threshold) freezes
// freezeTriggerTags, and a sustained return to a calmer zone
// deactivates them once the freeze's own min-duration has elapsed.
// Feeding the debounce a single noisy AGGRESSIVE iteration never
// freezes anything, so a one-off risk spike can't flap the freeze.
func (o *Orchestrator) observeFreezeSignal(zone autotune.Zone) {
	now := o.Clock.MonotonicNow()
	wasActive := o.Debounce.Active()
	isActive := o.Debounce.Observe(now, zone == autotune.ZoneAggressive)

	switch {
	case isActive && !wasActive:
		_ = o.Freeze.Activate(now, "debounced AGGRESSIVE risk_ratio", freezeTriggerTags...)
	case !isActive && wasActive:
		o.Freeze.Deactivate(now, freezeTriggerTags...)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("orchestrator: profile value %v is not numeric", v)
	}
}

// sleepBetweenIterations waits SleepSeconds (clamped to
// [0, MaxSleepSeconds]) or until ctx is cancelled, whichever comes
// first. A cancelled context is reported back to the caller, which
// ends the run without treating it as an error.
func (o *Orchestrator) sleepBetweenIterations(ctx context.Context) error {
	seconds := o.SleepSeconds
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxSleepSeconds {
		seconds = MaxSleepSeconds
	}
	if seconds == 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) finishPartial(iteration int) error {
	summary := IterSummary{Iteration: iteration, RunID: o.RunID, UTC: o.Clock.Now().Format("2006-01-02T15:04:05Z07:00"), Partial: true}
	return o.persistSummary(iteration, summary)
}

func (o *Orchestrator) runIteration(ctx context.Context, iteration int) (IterSummary, error) {
	o.Velocity.Reset()

	resolved, err := config.Resolve(o.Registry, map[string]any{}, o.Profile, nil, nil, o.currentOverridesFloat(), o.Logger)
	if err != nil {
		return IterSummary{}, fmt.Errorf("orchestrator: resolve config: %w", err)
	}

	summary := IterSummary{
		Iteration:      iteration,
		RunID:          o.RunID,
		UTC:            o.Clock.Now().Format("2006-01-02T15:04:05Z07:00"),
		ResolvedConfig: resolved.Doc,
	}

	rawReport, strategyErr := o.Strategy.RunIteration(ctx, resolved.Doc)
	if strategyErr != nil {
		o.consecutiveStrategyFailures++
		summary.StrategyError = strategyErr.Error()
		if o.consecutiveStrategyFailures >= 3 {
			return IterSummary{}, fmt.Errorf("%w: %d consecutive failures", ErrStrategyFailure, o.consecutiveStrategyFailures)
		}
		summary.SkipReason = SkipNoDeltas
		return summary, nil
	}
	o.consecutiveStrategyFailures = 0

	report, parseErr := edgereport.Parse(rawReport)
	if parseErr != nil {
		summary.EdgeReportError = parseErr.Error()
		summary.SkipReason = SkipNoDeltas
		return summary, nil
	}

	summary.RiskRatio = report.RiskRatio
	summary.NetBps = report.NetBps
	summary.MakerTakerRatio = report.MakerTakerRatio
	summary.P95LatencyMs = report.OrderAgeP95Ms
	summary.WsLagP95Ms = report.WsLagP95Ms
	zone := o.Tuner.ClassifyZone(report)
	summary.Zone = string(zone)

	o.observeFreezeSignal(zone)

	var proposed []autotune.Delta
	if o.AutoTuneEnabled {
		proposed = o.Tuner.Propose(report, iteration)
	}
	// Same-param proposals resolve against a running value, mirroring
	// applyDeltas, so a zone delta and a driver add-on on one param
	// record compounding targets rather than two copies of the same
	// baseline.
	currentValues := o.currentOverridesFloat()
	proposedRunning := map[string]float64{}
	for _, d := range proposed {
		base, resolvedBefore := proposedRunning[d.Param]
		if !resolvedBefore {
			base = currentValues[d.Param]
		}
		target := d.Proposed(base)
		proposedRunning[d.Param] = target
		summary.ProposedDeltas = append(summary.ProposedDeltas, DeltaRecord{
			Param:     d.Param,
			Value:     target,
			Rationale: d.Rationale,
		})
	}

	applied, dropped, skipReason, err := o.applyDeltas(iteration, proposed)
	if err != nil {
		return IterSummary{}, err
	}
	summary.AppliedDeltas = applied
	summary.DroppedDeltas = dropped
	summary.SkipReason = skipReason
	summary.FrozenTags = o.Freeze.FrozenTags()

	if iteration == o.Iterations {
		if len(proposed) > 0 && len(applied) == 0 && skipReason == "" {
			summary.SkipReason = SkipFinalIteration
		}
	}

	return summary, nil
}

// applyDeltas filters proposed deltas through the freeze/velocity/
// oscillation guards, resolves each survivor's absolute target value
// against the current override, and commits the result via the
// Overrides Store. It returns the applied records, the records the
// guards dropped (each carrying the guard reason that dropped it, so
// no proposal ever vanishes without an audit trail), and a skip
// reason when nothing ended up applied. A non-nil error
// means the overrides store failed to load, apply or persist: the caller MUST treat
// that as a hard stop for the run, never as just another skip reason.
func (o *Orchestrator) applyDeltas(iteration int, proposed []autotune.Delta) ([]DeltaRecord, []DeltaRecord, string, error) {
	if len(proposed) == 0 {
		return nil, nil, SkipNoDeltas, nil
	}

	doc, err := o.Overrides.Load(o.OverridesPath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("orchestrator: load overrides: %w", err)
	}

	delta := overrides.Delta{}
	absolute := overrides.Delta{}
	rationales := map[string]string{}
	// running carries each param's value as deltas resolve, so two
	// deltas landing on the same param in one iteration (zone delta
	// plus a driver add-on is the routine case) compound instead of
	// the second silently clobbering the first.
	running := map[string]float64{}
	var dropped []DeltaRecord
	allFrozen := true

	for _, d := range proposed {
		if subsystem, hasSubsystem := ParamToSubsystem[d.Param]; hasSubsystem && o.Freeze.IsFrozen(subsystem) {
			dropped = append(dropped, DeltaRecord{Param: d.Param, Rationale: d.Rationale, Reason: "frozen:" + subsystem})
			continue
		}
		allFrozen = false

		if !o.Velocity.Allow(d.Param) {
			dropped = append(dropped, DeltaRecord{Param: d.Param, Rationale: d.Rationale, Reason: guards.ReasonVelocityBlocked})
			continue
		}
		if o.Oscillator.Inhibited(d.Param) {
			dropped = append(dropped, DeltaRecord{Param: d.Param, Rationale: d.Rationale, Reason: guards.ReasonOscillationInhibited})
			continue
		}

		current, resolvedBefore := running[d.Param]
		if !resolvedBefore {
			current = doc.Values[d.Param]
		}
		target := d.Proposed(current)
		// A soft-cap's absolute override (impact_cap to 0.06) must land
		// in one shot, so it bypasses the per-step delta cap and goes
		// through SetBaseline instead of Apply.
		if d.Mode == autotune.ModeAbsolute {
			absolute[d.Param] = target
			delete(delta, d.Param)
		} else if _, isAbsolute := absolute[d.Param]; isAbsolute {
			// An absolute override pins the param for this iteration;
			// a later relative delta can't compound on top of it, and
			// its suppression is recorded rather than silent.
			dropped = append(dropped, DeltaRecord{Param: d.Param, Rationale: d.Rationale, Reason: ReasonAbsoluteOverride})
			continue
		} else {
			delta[d.Param] = target
		}
		running[d.Param] = target
		if prev, ok := rationales[d.Param]; ok {
			rationales[d.Param] = prev + "; " + d.Rationale
		} else {
			rationales[d.Param] = d.Rationale
		}
	}
	sortDeltaRecords(dropped)

	if len(delta) == 0 && len(absolute) == 0 {
		if allFrozen {
			return nil, dropped, SkipAllParamsFrozen, nil
		}
		return nil, dropped, SkipAllDeltasZero, nil
	}

	signature := overrides.Signature(mergedValues(doc.Values, delta, absolute))
	if signature == overrides.Signature(doc.Values) {
		// Every surviving target equals the value already on disk
		// (zero-value deltas, or an absolute override re-proposing the
		// current value): nothing to persist.
		return nil, dropped, SkipAlreadyApplied, nil
	}
	if signature == o.lastAppliedSignature {
		return nil, dropped, SkipSameSignature, nil
	}

	next, results, err := o.Overrides.Apply(doc, delta, overrides.SourceRuntime)
	if err != nil {
		return nil, nil, "", fmt.Errorf("orchestrator: apply delta: %w", err)
	}
	if len(absolute) > 0 {
		var absResults map[string]registry.ClampResult
		next, absResults, err = o.Overrides.SetBaseline(next, absolute, overrides.SourceRuntime)
		if err != nil {
			return nil, nil, "", fmt.Errorf("orchestrator: apply absolute delta: %w", err)
		}
		for param, result := range absResults {
			results[param] = result
		}
	}

	if err := o.Overrides.PersistAtomic(o.OverridesPath, next); err != nil {
		return nil, nil, "", fmt.Errorf("orchestrator: %w", err)
	}
	o.lastAppliedSignature = signature

	records := make([]DeltaRecord, 0, len(results))
	for param, result := range results {
		sign := int8(1)
		if result.Value < doc.Values[param] {
			sign = -1
		}
		o.Oscillator.Record(param, sign)

		records = append(records, DeltaRecord{
			Param:     param,
			Value:     result.Value,
			Rationale: rationales[param],
			Clipped:   result.Clipped,
			Reason:    result.Reason,
		})
	}
	sortDeltaRecords(records)

	return records, dropped, "", nil
}

// sortDeltaRecords orders records by Param so ITER_SUMMARY / TUNING_REPORT
// stay byte-stable across runs: records is built by ranging over a
// map (overrides.Delta), whose iteration order Go randomizes, and
// jsonenc's key-sorting only covers object keys, not array element
// order.
func sortDeltaRecords(records []DeltaRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Param < records[j].Param })
}

func mergedValues(current map[string]float64, deltas ...overrides.Delta) map[string]float64 {
	out := make(map[string]float64, len(current))
	for k, v := range current {
		out[k] = v
	}
	for _, delta := range deltas {
		for k, v := range delta {
			out[k] = v
		}
	}
	return out
}

func (o *Orchestrator) currentOverridesFloat() map[string]float64 {
	doc, err := o.Overrides.Load(o.OverridesPath)
	if err != nil {
		return nil
	}
	return doc.Values
}

func (o *Orchestrator) persistSummary(iteration int, summary IterSummary) error {
	path := fmt.Sprintf("%s/ITER_SUMMARY_%d.json", o.OutputDir, iteration)
	if err := atomicio.WriteJSON(path, summary); err != nil {
		return fmt.Errorf("orchestrator: persist ITER_SUMMARY_%d: %w", iteration, err)
	}

	o.tuningReport = append(o.tuningReport, summary)
	reportPath := o.OutputDir + "/TUNING_REPORT.json"
	if err := atomicio.WriteJSON(reportPath, o.tuningReport); err != nil {
		return fmt.Errorf("orchestrator: persist TUNING_REPORT: %w", err)
	}

	return nil
}
