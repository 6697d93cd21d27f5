// Package overrides owns runtime_overrides.json: the active set of
// tuned parameter values plus a per-key source map, persisted with
// crash-safety via internal/atomicio.
package overrides

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strconv"

	"github.com/marketmaker/soaktest/internal/atomicio"
	"github.com/marketmaker/soaktest/internal/registry"
)

// ErrPersist wraps any filesystem failure while writing
// runtime_overrides.json. Callers MUST treat this as a hard stop for
// the iteration in progress — no partial-apply logging.
var ErrPersist = errors.New("overrides: persist failed")

// Source identifies which precedence layer last set a parameter's
// value.
type Source string

const (
	SourceDefault Source = "default"
	SourceEnv     Source = "env"
	SourceCLI     Source = "cli"
	SourceRuntime Source = "runtime"
)

// ProfileSource builds the "profile:<name>" source tag.
func ProfileSource(name string) Source {
	return Source("profile:" + name)
}

// Document is the in-memory form of runtime_overrides.json: current
// values plus the source that produced each.
type Document struct {
	Values map[string]float64 `json:"values"`
	Source map[string]Source  `json:"source"`
}

// onDiskDocument is the JSON shape written to disk; Source is stored
// as plain strings since Source is just a string type.
type onDiskDocument struct {
	Values map[string]float64 `json:"values"`
	Source map[string]string  `json:"source"`
}

// Store persists and applies runtime overrides through a Registry for
// clamping.
type Store struct {
	reg *registry.Registry
}

// New returns a Store bound to reg.
func New(reg *registry.Registry) *Store {
	return &Store{reg: reg}
}

// Load reads path. A missing file yields an empty Document, not an
// error — there is no prior run yet. A stale path+".tmp" from a
// previous crash is swept before reading.
func (s *Store) Load(path string) (Document, error) {
	if err := atomicio.CleanStale(path); err != nil {
		return Document{}, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{Values: map[string]float64{}, Source: map[string]Source{}}, nil
	}
	if err != nil {
		return Document{}, err
	}

	var onDisk onDiskDocument
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return Document{}, err
	}

	doc := Document{
		Values: onDisk.Values,
		Source: make(map[string]Source, len(onDisk.Source)),
	}
	if doc.Values == nil {
		doc.Values = map[string]float64{}
	}
	for k, v := range onDisk.Source {
		doc.Source[k] = Source(v)
	}
	return doc, nil
}

// Delta is a proposed or applied set of parameter changes, name to new
// value.
type Delta map[string]float64

// Apply clamps each entry of delta through the Registry against doc's
// current values, updates doc.Values and marks each touched key's
// source as `source`. It returns the clamp results keyed by parameter
// name so callers can build rationale strings (CAPPED/FLOORED) without
// re-deriving them.
func (s *Store) Apply(doc Document, delta Delta, source Source) (Document, map[string]registry.ClampResult, error) {
	next := Document{
		Values: cloneValues(doc.Values),
		Source: cloneSources(doc.Source),
	}
	results := make(map[string]registry.ClampResult, len(delta))

	for name, proposed := range delta {
		current := next.Values[name]
		result, err := s.reg.ClampDelta(name, current, proposed)
		if err != nil {
			return doc, nil, err
		}
		next.Values[name] = result.Value
		next.Source[name] = source
		results[name] = result
	}

	return next, results, nil
}

// SetBaseline assigns delta's values into doc outright — range-clamped
// and step-snapped, but never step-capped the way Apply's per-iteration
// deltas are. Used for one-shot absolute assignments: a profile applied
// before iteration 1, or a soft-cap's absolute override value.
func (s *Store) SetBaseline(doc Document, delta Delta, source Source) (Document, map[string]registry.ClampResult, error) {
	next := Document{
		Values: cloneValues(doc.Values),
		Source: cloneSources(doc.Source),
	}
	results := make(map[string]registry.ClampResult, len(delta))

	for name, value := range delta {
		result, err := s.reg.ClampValue(name, value)
		if err != nil {
			return doc, nil, err
		}
		next.Values[name] = result.Value
		next.Source[name] = source
		results[name] = result
	}

	return next, results, nil
}

// PersistAtomic writes doc to path atomically (write-temp + rename),
// sorted keys, compact JSON, trailing newline. Returns ErrPersist on
// any filesystem failure.
func (s *Store) PersistAtomic(path string, doc Document) error {
	onDisk := onDiskDocument{
		Values: doc.Values,
		Source: make(map[string]string, len(doc.Source)),
	}
	for k, v := range doc.Source {
		onDisk.Source[k] = string(v)
	}

	if err := atomicio.WriteJSON(path, onDisk); err != nil {
		return errors.Join(ErrPersist, err)
	}
	return nil
}

// Signature returns a stable string identifying doc.Values: sorted
// "key=value" pairs. Two documents with the same Signature carry the
// same applied parameter state, which is how the orchestrator detects
// `same_signature` and the delta verifier detects `signature_stuck`.
func Signature(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+strconv.FormatFloat(values[k], 'g', -1, 64))
	}

	data, _ := json.Marshal(pairs)
	return string(data)
}

func cloneValues(v map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func cloneSources(v map[string]Source) map[string]Source {
	out := make(map[string]Source, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
