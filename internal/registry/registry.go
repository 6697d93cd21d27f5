// Package registry is the single authority on tunable parameters: their
// nested JSON path, value type, hard range, and per-step cap. Every
// other component resolves parameter names through it rather than
// carrying its own copy of the bounds.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrUnknownParam is returned when a caller names a parameter that was
// never registered. Treated as a fatal bug by callers, never a
// recoverable condition.
var ErrUnknownParam = errors.New("registry: unknown parameter")

// ValueType distinguishes the two numeric kinds the tuner ever proposes.
type ValueType int

const (
	Int ValueType = iota
	Float
)

// ParamSpec is the compile-time-registered description of one tunable
// parameter.
type ParamSpec struct {
	Name       string // flat key, e.g. "min_interval_ms"
	NestedPath string // dotted path into the resolved config, e.g. "quote.min_interval_ms"
	Type       ValueType
	Lo, Hi     float64 // hard range
	MaxStep    float64 // max single-step delta magnitude
	Step       float64 // rounding granularity (5 ms, 0.005 ratio, ...)
}

// Registry holds every ParamSpec the auto-tuner and config resolver are
// allowed to touch.
type Registry struct {
	specs map[string]ParamSpec
}

// New builds a Registry from an explicit spec list. Callers that want
// the soak-test core's built-in parameter set should use Default().
func New(specs []ParamSpec) *Registry {
	r := &Registry{specs: make(map[string]ParamSpec, len(specs))}
	for _, s := range specs {
		r.specs[s.Name] = s
	}
	return r
}

// Default returns the registry for the parameters the auto-tuner
// and config resolver are defined over.
func Default() *Registry {
	return New([]ParamSpec{
		{Name: "min_interval_ms", NestedPath: "quote.min_interval_ms", Type: Int, Lo: 50, Hi: 80, MaxStep: 40, Step: 5},
		{Name: "impact_cap_ratio", NestedPath: "quote.impact_cap_ratio", Type: Float, Lo: 0.06, Hi: 0.10, MaxStep: 0.02, Step: 0.005},
		{Name: "tail_age_ms", NestedPath: "quote.tail_age_ms", Type: Int, Lo: 200, Hi: 800, MaxStep: 60, Step: 10},
		{Name: "max_delta_ratio", NestedPath: "risk.max_delta_ratio", Type: Float, Lo: 0.10, Hi: 0.30, MaxStep: 0.02, Step: 0.005},
		{Name: "base_spread_bps_delta", NestedPath: "quote.base_spread_bps_delta", Type: Float, Lo: 0.0, Hi: 0.25, MaxStep: 0.05, Step: 0.01},
		{Name: "replace_rate_per_min", NestedPath: "quote.replace_rate_per_min", Type: Int, Lo: 30, Hi: 240, MaxStep: 60, Step: 5},
	})
}

// Get returns the spec for name, or ErrUnknownParam.
func (r *Registry) Get(name string) (ParamSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return ParamSpec{}, fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	return spec, nil
}

// ToNestedPath resolves name's dotted config path, or ErrUnknownParam.
func (r *Registry) ToNestedPath(name string) (string, error) {
	spec, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return spec.NestedPath, nil
}

// ClampResult is the outcome of clamping a single proposed delta.
type ClampResult struct {
	Value   float64
	Clipped bool
	Reason  string // e.g. "CAPPED at 80", "FLOORED at 0.08", ""
}

// ClampDelta applies name's hard range and per-step cap to a proposed
// new value, given the current value. The step cap limits |proposed -
// current|; the hard range then clamps the stepped result. If the
// stepped value already sits at the cap or floor, the effective delta
// is zero but the clamp intent is still reported via Reason so the
// auto-tuner's rationale strings remain accurate even when nothing
// moved.
func (r *Registry) ClampDelta(name string, current, proposed float64) (ClampResult, error) {
	spec, err := r.Get(name)
	if err != nil {
		return ClampResult{}, err
	}

	delta := proposed - current
	if math.Abs(delta) > spec.MaxStep {
		if delta > 0 {
			delta = spec.MaxStep
		} else {
			delta = -spec.MaxStep
		}
	}
	stepped := current + delta
	stepped = snap(stepped, spec.Step, spec.Type)

	result := ClampResult{Value: stepped}
	switch {
	case stepped >= spec.Hi:
		result.Value = spec.Hi
		result.Clipped = true
		result.Reason = fmt.Sprintf("CAPPED at %s", formatValue(spec.Hi, spec.Type))
	case stepped <= spec.Lo:
		result.Value = spec.Lo
		result.Clipped = true
		result.Reason = fmt.Sprintf("FLOORED at %s", formatValue(spec.Lo, spec.Type))
	}
	return result, nil
}

// ClampValue snaps value to name's step granularity and clamps it to
// the hard [lo, hi] range, without the per-step delta cap ClampDelta
// enforces. Used when a value is being set outright — a profile
// baseline applied before iteration 1, or a soft-cap absolute
// override — rather than nudged incrementally from its current value.
func (r *Registry) ClampValue(name string, value float64) (ClampResult, error) {
	spec, err := r.Get(name)
	if err != nil {
		return ClampResult{}, err
	}

	stepped := snap(value, spec.Step, spec.Type)

	result := ClampResult{Value: stepped}
	switch {
	case stepped >= spec.Hi:
		result.Value = spec.Hi
		result.Clipped = stepped > spec.Hi
		if result.Clipped {
			result.Reason = fmt.Sprintf("CAPPED at %s", formatValue(spec.Hi, spec.Type))
		}
	case stepped <= spec.Lo:
		result.Value = spec.Lo
		result.Clipped = stepped < spec.Lo
		if result.Clipped {
			result.Reason = fmt.Sprintf("FLOORED at %s", formatValue(spec.Lo, spec.Type))
		}
	}
	return result, nil
}

// snap rounds v to the nearest multiple of step. Integer parameters
// round half-away-from-zero after snapping; float parameters keep the
// snapped fractional value.
func snap(v, step float64, t ValueType) float64 {
	if step <= 0 {
		return v
	}
	multiples := v / step
	var rounded float64
	if multiples >= 0 {
		rounded = math.Floor(multiples + 0.5)
	} else {
		rounded = math.Ceil(multiples - 0.5)
	}
	snapped := rounded * step
	if t == Int {
		if snapped >= 0 {
			return math.Floor(snapped + 0.5)
		}
		return math.Ceil(snapped - 0.5)
	}
	return snapped
}

func formatValue(v float64, t ValueType) string {
	if t == Int {
		return fmt.Sprintf("%d", int64(math.Round(v)))
	}
	return fmt.Sprintf("%.3g", v)
}

// ReadNested descends doc (a JSON-like tree of map[string]any) along
// name's dotted path and returns the leaf value. Missing intermediate
// keys yield (nil, false) rather than an error: callers treat an
// absent value as "not yet set", not malformed input.
func (r *Registry) ReadNested(doc map[string]any, name string) (any, bool, error) {
	path, err := r.ToNestedPath(name)
	if err != nil {
		return nil, false, err
	}
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		v, ok := m[part]
		if !ok {
			return nil, false, nil
		}
		cur = v
	}
	return cur, true, nil
}

// WriteNested sets doc's value at name's dotted path, creating
// intermediate maps as needed.
func (r *Registry) WriteNested(doc map[string]any, name string, value any) error {
	path, err := r.ToNestedPath(name)
	if err != nil {
		return err
	}
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return nil
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	return nil
}

// Names returns every registered parameter name in sorted order, for
// callers that need to walk the full set (e.g. the delta verifier).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
