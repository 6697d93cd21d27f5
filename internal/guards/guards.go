// Package guards holds the runtime safety state an orchestrator
// consults before applying an auto-tuner delta: debounce, partial
// freeze, per-iteration velocity limits, and oscillation inhibition.
// None of these ever raise — a blocked change is recorded with a
// reason string and the iteration continues.
package guards

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Canonical debounce / freeze timing, shared by Debounce and
// Partial-Freeze so a freeze and the signal that triggered it settle
// on the same cadence.
const (
	DefaultOpenMs  = 2500
	DefaultCloseMs = 4000
)

// EdgeTag is the one subsystem tag that Partial-Freeze refuses to
// freeze: the soak test must always be able to observe edge, even
// while everything else is frozen.
const EdgeTag = "edge"

// Debounce delays a boolean signal's transition until it has held
// steady for the configured open/close duration, so a single noisy
// reading can't flip a freeze on and off every iteration. Safe for
// concurrent use: the iteration loop observes while an exporter or
// HTTP surface may read Active.
type Debounce struct {
	mu              sync.RWMutex
	openMs, closeMs time.Duration
	active          bool
	pendingSince    time.Time
	pendingValue    bool
	hasPending      bool
}

// NewDebounce builds a Debounce with the canonical open/close
// durations.
func NewDebounce() *Debounce {
	return NewDebounceWithDurations(DefaultOpenMs*time.Millisecond, DefaultCloseMs*time.Millisecond)
}

// NewDebounceWithDurations builds a Debounce with explicit durations,
// for tests and non-default guard configs.
func NewDebounceWithDurations(openMs, closeMs time.Duration) *Debounce {
	return &Debounce{openMs: openMs, closeMs: closeMs}
}

// Observe feeds a raw signal reading at time now and returns the
// debounced (stable) value.
func (d *Debounce) Observe(now time.Time, raw bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if raw == d.active {
		d.hasPending = false
		return d.active
	}

	if !d.hasPending || d.pendingValue != raw {
		d.pendingSince = now
		d.pendingValue = raw
		d.hasPending = true
		return d.active
	}

	required := d.openMs
	if !raw {
		required = d.closeMs
	}
	if now.Sub(d.pendingSince) >= required {
		d.active = raw
		d.hasPending = false
	}
	return d.active
}

// Active reports the current debounced state without observing a new
// reading.
func (d *Debounce) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// FreezeState tracks which subsystem tags are currently frozen and
// when each was last activated, so Deactivate can enforce the
// min-duration invariant. IsFrozen/FrozenTags take a read lock so the
// partial_freeze_active gauge can be read while an iteration mutates
// the set.
type FreezeState struct {
	mu          sync.RWMutex
	minDuration time.Duration
	frozen      map[string]time.Time
}

// NewFreezeState builds a FreezeState using the canonical min-duration
// (matching Debounce's open threshold).
func NewFreezeState() *FreezeState {
	return NewFreezeStateWithMinDuration(DefaultOpenMs * time.Millisecond)
}

// NewFreezeStateWithMinDuration builds a FreezeState with an explicit
// min-duration.
func NewFreezeStateWithMinDuration(minDuration time.Duration) *FreezeState {
	return &FreezeState{minDuration: minDuration, frozen: map[string]time.Time{}}
}

// ErrEdgeNotFreezable is returned when Activate is called with the
// edge tag; edge observability must never be frozen.
var ErrEdgeNotFreezable = errors.New("guards: edge tag cannot be frozen")

// Activate freezes tags as of now, recording reason for audit. The
// edge tag is rejected outright.
func (f *FreezeState) Activate(now time.Time, reason string, tags ...string) error {
	for _, tag := range tags {
		if tag == EdgeTag {
			return ErrEdgeNotFreezable
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tag := range tags {
		if _, already := f.frozen[tag]; !already {
			f.frozen[tag] = now
		}
	}
	return nil
}

// Deactivate unfreezes tags, unless less than min-duration has elapsed
// since activation — in which case it is a no-op for that tag.
func (f *FreezeState) Deactivate(now time.Time, tags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tag := range tags {
		activatedAt, ok := f.frozen[tag]
		if !ok {
			continue
		}
		if now.Sub(activatedAt) < f.minDuration {
			continue
		}
		delete(f.frozen, tag)
	}
}

// IsFrozen reports whether tag is currently frozen.
func (f *FreezeState) IsFrozen(tag string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.frozen[tag]
	return ok
}

// FrozenTags returns every currently frozen tag, sorted so the slice
// is stable when rendered into ITER_SUMMARY.
func (f *FreezeState) FrozenTags() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tags := make([]string, 0, len(f.frozen))
	for tag := range f.frozen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// VelocityLimiter caps how many changes a single parameter may receive
// within one iteration. Reset must be called at the start of each
// iteration.
type VelocityLimiter struct {
	mu              sync.RWMutex
	maxPerIteration int
	counts          map[string]int
}

// NewVelocityLimiter builds a VelocityLimiter allowing maxPerIteration
// changes per parameter per iteration (canonical: 2).
func NewVelocityLimiter(maxPerIteration int) *VelocityLimiter {
	return &VelocityLimiter{maxPerIteration: maxPerIteration, counts: map[string]int{}}
}

// Reset clears all per-parameter counters; call once per iteration.
func (v *VelocityLimiter) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counts = map[string]int{}
}

// Allow reports whether param may change again this iteration, and
// records the attempt regardless of outcome (a blocked attempt still
// counts, so a parameter can't be proposed an unbounded number of
// times within one iteration).
func (v *VelocityLimiter) Allow(param string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counts[param]++
	return v.counts[param] <= v.maxPerIteration
}

// ReasonVelocityBlocked is the skip reason attached to a delta entry
// the VelocityLimiter rejected.
const ReasonVelocityBlocked = "velocity-blocked"

// OscillationTracker inhibits further changes to a parameter once its
// recent history of change directions flips back and forth more than
// a threshold number of times.
type OscillationTracker struct {
	mu         sync.RWMutex
	windowSize int
	maxFlips   int
	history    map[string][]int8
	inhibited  map[string]bool
}

// NewOscillationTracker builds a tracker with the canonical window (4)
// and flip threshold (2).
func NewOscillationTracker() *OscillationTracker {
	return NewOscillationTrackerWithParams(4, 2)
}

// NewOscillationTrackerWithParams builds a tracker with explicit
// window size and flip threshold.
func NewOscillationTrackerWithParams(windowSize, maxFlips int) *OscillationTracker {
	return &OscillationTracker{
		windowSize: windowSize,
		maxFlips:   maxFlips,
		history:    map[string][]int8{},
		inhibited:  map[string]bool{},
	}
}

// ReasonOscillationInhibited is the skip reason attached when a
// parameter is inhibited for the next iteration.
const ReasonOscillationInhibited = "oscillation-inhibited"

// Record logs a realized change's sign (+1 or -1) for param and
// recomputes whether it should be inhibited for the following
// iteration. Call this once per applied (post-guard) change, not per
// proposal.
func (o *OscillationTracker) Record(param string, sign int8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := append(o.history[param], sign)
	if len(h) > o.windowSize {
		h = h[len(h)-o.windowSize:]
	}
	o.history[param] = h

	flips := 0
	for i := 1; i < len(h); i++ {
		if h[i] != h[i-1] {
			flips++
		}
	}
	o.inhibited[param] = flips > o.maxFlips
}

// Inhibited reports whether param is currently inhibited from further
// changes.
func (o *OscillationTracker) Inhibited(param string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.inhibited[param]
}
