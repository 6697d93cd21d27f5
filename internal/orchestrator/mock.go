package orchestrator

import (
	"context"
	"fmt"
	"math"
)

// MockStrategy is a deterministic, seed-driven stand-in for the
// external strategy engine, used by `soak run --mock` and by the test
// suite so iteration behavior doesn't depend on a live exchange
// connection. Its edge report drifts gently around a seed-derived
// baseline so successive iterations exercise the auto-tuner's zone
// transitions without the run ever being genuinely random.
type MockStrategy struct {
	seed      int64
	iteration int
}

// NewMockStrategy builds a MockStrategy. The same seed always produces
// the same sequence of edge reports.
func NewMockStrategy(seed int64) *MockStrategy {
	return &MockStrategy{seed: seed}
}

// RunIteration ignores resolvedConfig's contents (the mock strategy
// doesn't model actual order behavior) and returns the next
// deterministic EDGE_REPORT in its sequence.
func (m *MockStrategy) RunIteration(ctx context.Context, resolvedConfig map[string]any) ([]byte, error) {
	m.iteration++
	phase := float64(m.seed%7) + float64(m.iteration)

	riskRatio := 0.30 + 0.20*math.Sin(phase/3.0)
	if riskRatio < 0 {
		riskRatio = 0
	}
	netBps := 3.2 + 1.5*math.Cos(phase/5.0)

	json := fmt.Sprintf(`{
		"totals": {
			"net_bps": %.4f,
			"component_breakdown": {"gross_bps": 6.0, "fees_eff_bps": -1.2, "slippage_bps": -0.8, "adverse_bps": -0.9, "inventory_bps": 0.1, "net_bps": %.4f},
			"block_reasons": {"risk": {"count": 10, "ratio": %.4f}, "min_interval": {"count": 2, "ratio": 0.1}, "concurrency": {"count": 1, "ratio": 0.05}, "throttle": {"count": 0, "ratio": 0.0}},
			"adverse_bps_p95": 1.8,
			"slippage_bps_p95": 1.1,
			"order_age_ms_p95": 250,
			"ws_lag_ms_p95": 120,
			"maker_count": 83,
			"taker_count": 17
		},
		"runtime": {"utc": "1970-01-01T00:00:00Z", "version": "mock"}
	}`, netBps, netBps, riskRatio)

	return []byte(json), nil
}
