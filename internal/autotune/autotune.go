// Package autotune classifies the current edge report into a risk
// zone and proposes parameter deltas, add-on deltas from individual
// KPI drivers, a multi-fail conservative fallback, and two-strikes
// fallback mode — all subject to the caps the registry enforces when
// the deltas are actually applied.
package autotune

import (
	"fmt"

	"github.com/marketmaker/soaktest/internal/edgereport"
)

// Zone is the primary risk classification for one iteration.
type Zone string

const (
	ZoneAggressive Zone = "AGGRESSIVE"
	ZoneModerate   Zone = "MODERATE"
	ZoneNormalize  Zone = "NORMALIZE"
	ZoneStable     Zone = "STABLE"
)

// Thresholds holds the zone-boundary and driver-trigger constants. The
// built-in defaults match the canonical soak-test gate values;
// NewTunerWithDefaults is the constructor callers reach for unless a
// profile overrides a boundary.
type Thresholds struct {
	AggressiveRiskRatio float64
	ModerateRiskRatio   float64
	NormalizeRiskRatio  float64
	StableRiskRatio     float64
	NetBpsFloor         float64

	AdverseBpsP95Trigger    float64
	SlippageBpsP95Trigger   float64
	MinIntervalRatioTrigger float64
	ConcurrencyRatioTrigger float64
	AgeReliefOrderAgeMs     float64

	MultiFailThreshold int
}

// DefaultThresholds returns the canonical zone and driver thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AggressiveRiskRatio:     0.60,
		ModerateRiskRatio:       0.40,
		NormalizeRiskRatio:      0.35,
		StableRiskRatio:         0.40,
		NetBpsFloor:             3.0,
		AdverseBpsP95Trigger:    3.5,
		SlippageBpsP95Trigger:   2.5,
		MinIntervalRatioTrigger: 0.40,
		ConcurrencyRatioTrigger: 0.30,
		AgeReliefOrderAgeMs:     330,
		MultiFailThreshold:      3,
	}
}

// Mode says how Value combines with a parameter's current value to
// produce the proposed new value the orchestrator hands to the
// Overrides Store.
type Mode int

const (
	// ModeRelative: proposed = current + Value. The common case.
	ModeRelative Mode = iota
	// ModeMultiplicative: proposed = current * Value.
	ModeMultiplicative
	// ModeAbsolute: proposed = Value, ignoring current entirely.
	ModeAbsolute
)

// Delta is one proposed parameter change with the rationale string
// that gets preserved verbatim in ITER_SUMMARY. The orchestrator
// resolves Value against a parameter's current value according to
// Mode before handing the result to the Overrides Store, which
// performs the actual registry clamp.
type Delta struct {
	Param     string
	Mode      Mode
	Value     float64
	Rationale string
}

// Proposed resolves this delta's target value given the parameter's
// current value.
func (d Delta) Proposed(current float64) float64 {
	switch d.Mode {
	case ModeMultiplicative:
		return current * d.Value
	case ModeAbsolute:
		return d.Value
	default:
		return current + d.Value
	}
}

// Tuner holds the cross-iteration state the two-strikes fallback and
// soft-caps need: consecutive negative-net-bps count and the last
// iteration each soft-cap fired.
type Tuner struct {
	thresholds Thresholds

	consecutiveNegNetBps int
	softCapLastFired     map[string]int
	hysteresisWindow     int
	hybridStreak         int
	aggressiveStall      int
	prevRiskRatio        float64
	hasPrevRisk          bool
}

// HysteresisWindowIterations bounds how many iterations must pass
// before a soft-cap may fire again. Not specified numerically in the
// governing KPI gates; five iterations was chosen to keep a soft-cap
// from re-firing within the same short-lived risk spike while still
// allowing it to respond to a second, later spike within one run.
const HysteresisWindowIterations = 5

// NewTuner builds a Tuner with explicit thresholds.
func NewTuner(thresholds Thresholds) *Tuner {
	return &Tuner{
		thresholds:       thresholds,
		softCapLastFired: map[string]int{},
		hysteresisWindow: HysteresisWindowIterations,
	}
}

// NewTunerWithDefaults builds a Tuner using DefaultThresholds.
func NewTunerWithDefaults() *Tuner {
	return NewTuner(DefaultThresholds())
}

// ClassifyZone picks exactly one zone, evaluated top-to-bottom:
// AGGRESSIVE, MODERATE, NORMALIZE, STABLE. STABLE is the default when
// nothing else fires.
func (t *Tuner) ClassifyZone(report edgereport.Report) Zone {
	th := t.thresholds
	switch {
	case report.RiskRatio >= th.AggressiveRiskRatio:
		return ZoneAggressive
	case report.RiskRatio >= th.ModerateRiskRatio:
		return ZoneModerate
	case report.RiskRatio < th.NormalizeRiskRatio && report.NetBps >= th.NetBpsFloor:
		return ZoneNormalize
	default:
		return ZoneStable
	}
}

// Propose computes the full proposed delta set for one iteration:
// primary zone deltas, driver add-ons, the multi-fail conservative
// override, fallback mode and the soft-caps — in that order. Each
// layer appends to what came before, except the multi-fail override,
// which cuts the zone and driver deltas down to their conservative
// subset.
func (t *Tuner) Propose(report edgereport.Report, iteration int) []Delta {
	zone := t.ClassifyZone(report)
	deltas := t.zoneDeltas(zone, report)

	driverDeltas, driverCount := t.driverDeltas(report)
	deltas = append(deltas, driverDeltas...)

	if driverCount > t.thresholds.MultiFailThreshold {
		deltas = conservativeSubset(deltas)
	}

	if report.NetBps < 0 {
		t.consecutiveNegNetBps++
	} else {
		t.consecutiveNegNetBps = 0
	}
	if t.consecutiveNegNetBps >= 2 {
		deltas = append(deltas, fallbackConservativePackage()...)
		t.consecutiveNegNetBps = 0
	}

	deltas = append(deltas, t.softCaps(zone, report, iteration)...)

	return deltas
}

func (t *Tuner) zoneDeltas(zone Zone, report edgereport.Report) []Delta {
	switch zone {
	case ZoneAggressive:
		return []Delta{
			{Param: "min_interval_ms", Value: 5, Rationale: fmt.Sprintf("ZONE:AGGRESSIVE risk_ratio=%.3f >= 0.60 -> min_interval_ms +=5 (cap 80)", report.RiskRatio)},
			{Param: "impact_cap_ratio", Value: -0.01, Rationale: fmt.Sprintf("ZONE:AGGRESSIVE risk_ratio=%.3f >= 0.60 -> impact_cap_ratio -=0.01 (floor 0.08)", report.RiskRatio)},
			{Param: "tail_age_ms", Value: 30, Rationale: fmt.Sprintf("ZONE:AGGRESSIVE risk_ratio=%.3f >= 0.60 -> tail_age_ms +=30 (cap 800)", report.RiskRatio)},
		}
	case ZoneModerate:
		return []Delta{
			{Param: "min_interval_ms", Value: 5, Rationale: fmt.Sprintf("ZONE:MODERATE risk_ratio=%.3f -> min_interval_ms +=5 (cap 75)", report.RiskRatio)},
			{Param: "impact_cap_ratio", Value: -0.005, Rationale: fmt.Sprintf("ZONE:MODERATE risk_ratio=%.3f -> impact_cap_ratio -=0.005 (floor 0.09)", report.RiskRatio)},
		}
	case ZoneNormalize:
		return []Delta{
			{Param: "min_interval_ms", Value: -3, Rationale: fmt.Sprintf("ZONE:NORMALIZE risk_ratio=%.3f net_bps=%.2f -> min_interval_ms -=3 (floor 50)", report.RiskRatio, report.NetBps)},
			{Param: "impact_cap_ratio", Value: 0.005, Rationale: fmt.Sprintf("ZONE:NORMALIZE risk_ratio=%.3f net_bps=%.2f -> impact_cap_ratio +=0.005 (cap 0.10)", report.RiskRatio, report.NetBps)},
		}
	default:
		return nil
	}
}

// driverDeltas evaluates the independent KPI drivers and returns both
// the add-on deltas and the count of drivers that fired, so the
// caller can apply the multi-fail guard.
func (t *Tuner) driverDeltas(report edgereport.Report) ([]Delta, int) {
	th := t.thresholds
	var deltas []Delta
	fired := 0

	if report.AdverseBpsP95 > th.AdverseBpsP95Trigger {
		fired++
		deltas = append(deltas,
			Delta{Param: "impact_cap_ratio", Value: -0.01, Rationale: fmt.Sprintf("DRIVER:adverse_bps_p95=%.2f > 3.5 -> impact_cap_ratio -=0.01 (floor 0.08)", report.AdverseBpsP95)},
			Delta{Param: "max_delta_ratio", Value: -0.01, Rationale: fmt.Sprintf("DRIVER:adverse_bps_p95=%.2f > 3.5 -> max_delta_ratio -=0.01 (floor 0.10)", report.AdverseBpsP95)},
		)
	}
	if report.SlippageBpsP95 > th.SlippageBpsP95Trigger {
		fired++
		deltas = append(deltas,
			Delta{Param: "base_spread_bps_delta", Value: 0.02, Rationale: fmt.Sprintf("DRIVER:slippage_bps_p95=%.2f > 2.5 -> base_spread_bps_delta +=0.02 (cap 0.25)", report.SlippageBpsP95)},
			Delta{Param: "tail_age_ms", Value: 30, Rationale: fmt.Sprintf("DRIVER:slippage_bps_p95=%.2f > 2.5 -> tail_age_ms +=30 (cap 800)", report.SlippageBpsP95)},
		)
	}
	if br, ok := report.BlockReasons["min_interval"]; ok && br.Ratio > th.MinIntervalRatioTrigger {
		fired++
		deltas = append(deltas, Delta{Param: "min_interval_ms", Value: 30, Rationale: fmt.Sprintf("DRIVER:block_reasons.min_interval.ratio=%.2f > 0.40 -> min_interval_ms +=30", br.Ratio)})
	}
	if br, ok := report.BlockReasons["concurrency"]; ok && br.Ratio > th.ConcurrencyRatioTrigger {
		fired++
		deltas = append(deltas, Delta{Param: "replace_rate_per_min", Value: -45, Rationale: fmt.Sprintf("DRIVER:block_reasons.concurrency.ratio=%.2f > 0.30 -> replace_rate_per_min -=45", br.Ratio)})
	}
	if report.RiskRatio < 0.40 && report.NetBps >= t.thresholds.NetBpsFloor && report.OrderAgeP95Ms > t.thresholds.AgeReliefOrderAgeMs {
		fired++
		deltas = append(deltas,
			Delta{Param: "min_interval_ms", Value: -10, Rationale: fmt.Sprintf("DRIVER:age_relief order_age_p95_ms=%.0f > 330 -> min_interval_ms -=10", report.OrderAgeP95Ms)},
			Delta{Param: "replace_rate_per_min", Value: 30, Rationale: fmt.Sprintf("DRIVER:age_relief order_age_p95_ms=%.0f > 330 -> replace_rate_per_min +=30", report.OrderAgeP95Ms)},
		)
	}

	return deltas, fired
}

// conservativeSubset keeps only risk-raising deltas (min_interval_ms
// and tail_age_ms increases, base_spread increases) when more than the
// multi-fail threshold of drivers triggered simultaneously, dropping
// any loosening delta that would compound the risk.
func conservativeSubset(deltas []Delta) []Delta {
	var kept []Delta
	for _, d := range deltas {
		switch d.Param {
		case "min_interval_ms", "tail_age_ms", "base_spread_bps_delta":
			if d.Value > 0 {
				kept = append(kept, d)
			}
		}
	}
	return kept
}

func fallbackConservativePackage() []Delta {
	return []Delta{
		{Param: "min_interval_ms", Value: 20, Rationale: "FALLBACK_CONSERVATIVE two consecutive net_bps<0 -> min_interval_ms +=20"},
		{Param: "replace_rate_per_min", Value: -60, Rationale: "FALLBACK_CONSERVATIVE two consecutive net_bps<0 -> replace_rate_per_min -=60"},
		{Param: "tail_age_ms", Value: 30, Rationale: "FALLBACK_CONSERVATIVE two consecutive net_bps<0 -> tail_age_ms +=30"},
		{Param: "impact_cap_ratio", Value: -0.01, Rationale: "FALLBACK_CONSERVATIVE two consecutive net_bps<0 -> impact_cap_ratio -=0.01"},
	}
}

// softCaps evaluates the four soft-cap escalations. They arm only when
// the primary zone has failed to reduce risk: two consecutive
// AGGRESSIVE iterations without the risk_ratio falling. The single-shot
// caps escalate in order (emergency spread, calm-down, ultra-
// conservative); hybrid combines all three at risk>=0.70 held for two
// iterations. Each cap fires at most once per hysteresis window.
func (t *Tuner) softCaps(zone Zone, report edgereport.Report, iteration int) []Delta {
	riskImproved := t.hasPrevRisk && report.RiskRatio < t.prevRiskRatio
	if zone == ZoneAggressive && !riskImproved {
		t.aggressiveStall++
	} else {
		t.aggressiveStall = 0
	}
	if zone == ZoneAggressive && report.RiskRatio >= 0.70 {
		t.hybridStreak++
	} else {
		t.hybridStreak = 0
	}
	t.prevRiskRatio = report.RiskRatio
	t.hasPrevRisk = true

	if t.hybridStreak >= 2 && t.canFire("hybrid", iteration) {
		t.markFired("hybrid", iteration)
		t.markFired("emergency_spread", iteration)
		t.markFired("calm_down", iteration)
		t.markFired("ultra_conservative", iteration)
		return []Delta{
			{Param: "base_spread_bps_delta", Mode: ModeRelative, Value: 0.05, Rationale: "SOFTCAP:hybrid risk_ratio>=0.70 for 2 iterations -> emergency spread boost +0.05"},
			{Param: "replace_rate_per_min", Mode: ModeMultiplicative, Value: 0.80, Rationale: "SOFTCAP:hybrid -> calm-down replace_rate x0.80"},
			{Param: "impact_cap_ratio", Mode: ModeAbsolute, Value: 0.06, Rationale: "SOFTCAP:hybrid -> ultra-conservative impact_cap override to 0.06"},
		}
	}

	if t.aggressiveStall < 2 {
		return nil
	}

	switch {
	case t.canFire("emergency_spread", iteration):
		t.markFired("emergency_spread", iteration)
		return []Delta{{Param: "base_spread_bps_delta", Mode: ModeRelative, Value: 0.05, Rationale: "SOFTCAP:emergency_spread AGGRESSIVE zone failed to reduce risk -> emergency spread boost +0.05 (one-shot)"}}
	case t.canFire("calm_down", iteration):
		t.markFired("calm_down", iteration)
		return []Delta{{Param: "replace_rate_per_min", Mode: ModeMultiplicative, Value: 0.80, Rationale: "SOFTCAP:calm_down emergency spread exhausted, risk still not falling -> replace_rate x0.80"}}
	case t.canFire("ultra_conservative", iteration):
		t.markFired("ultra_conservative", iteration)
		return []Delta{{Param: "impact_cap_ratio", Mode: ModeAbsolute, Value: 0.06, Rationale: "SOFTCAP:ultra_conservative calm-down exhausted, risk still not falling -> impact_cap override to 0.06"}}
	}
	return nil
}

func (t *Tuner) canFire(name string, iteration int) bool {
	last, ok := t.softCapLastFired[name]
	if !ok {
		return true
	}
	return iteration-last >= t.hysteresisWindow
}

func (t *Tuner) markFired(name string, iteration int) {
	t.softCapLastFired[name] = iteration
}
