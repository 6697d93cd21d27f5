package deltaverify

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
)

// summaryFile mirrors the fields of orchestrator.IterSummary this
// package needs. It is redeclared here rather than imported to keep
// deltaverify dependency-light (it only ever reads the JSON artifact,
// never the orchestrator's in-memory types).
type summaryFile struct {
	Iteration int `json:"iteration"`
	Proposed  []struct {
		Param string  `json:"param"`
		Value float64 `json:"value"`
	} `json:"proposed_deltas"`
	Applied []struct {
		Param string  `json:"param"`
		Value float64 `json:"value"`
	} `json:"applied_deltas"`
}

var summaryFileRe = regexp.MustCompile(`^ITER_SUMMARY_(\d+)\.json$`)

// LoadIterationInputs reads every ITER_SUMMARY_*.json under dir and
// replays each iteration's applied_deltas on top of a running overrides
// map to reconstruct the before/after state classify needs, the same
// way the orchestrator's own overrides store accumulates state across
// iterations.
func LoadIterationInputs(dir string) ([]IterationInput, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("deltaverify: read dir %s: %w", dir, err)
	}

	type numbered struct {
		n  int
		sf summaryFile
	}
	var found []numbered
	for _, entry := range entries {
		m := summaryFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		data, err := os.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("deltaverify: read %s: %w", entry.Name(), err)
		}
		var sf summaryFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("deltaverify: parse %s: %w", entry.Name(), err)
		}
		var idx int
		if _, err := fmt.Sscanf(m[1], "%d", &idx); err != nil {
			return nil, fmt.Errorf("deltaverify: parse iteration number from %s: %w", entry.Name(), err)
		}
		found = append(found, numbered{n: idx, sf: sf})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	current := map[string]float64{}
	inputs := make([]IterationInput, 0, len(found))
	for _, f := range found {
		proposed := make([]ProposedDelta, 0, len(f.sf.Proposed))
		for _, p := range f.sf.Proposed {
			proposed = append(proposed, ProposedDelta{Param: p.Param, Target: p.Value})
		}

		after := make(map[string]float64, len(current))
		for k, v := range current {
			after[k] = v
		}
		for _, a := range f.sf.Applied {
			after[a.Param] = a.Value
		}

		inputs = append(inputs, IterationInput{
			Iteration:        f.sf.Iteration,
			Proposed:         proposed,
			AppliedOverrides: after,
		})
		current = after
	}

	return inputs, nil
}
