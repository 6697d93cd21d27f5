// Package edgereport decodes and normalizes the strategy's per-iteration
// EDGE_REPORT JSON: a strict decode that rejects unrecognized shapes by
// field path, plus the derived KPIs the auto-tuner and analyzer need.
package edgereport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedEdgeReport is returned when a required key is missing or
// a JSON field doesn't match the expected shape.
var ErrMalformedEdgeReport = errors.New("edgereport: malformed edge report")

// ComponentBreakdown is the bps attribution of net_bps.
type ComponentBreakdown struct {
	GrossBps     float64 `json:"gross_bps"`
	FeesEffBps   float64 `json:"fees_eff_bps"`
	SlippageBps  float64 `json:"slippage_bps"`
	AdverseBps   float64 `json:"adverse_bps"`
	InventoryBps float64 `json:"inventory_bps"`
	NetBps       float64 `json:"net_bps"`
}

// BlockReason is one {count, ratio} pair under totals.block_reasons.
type BlockReason struct {
	Count int     `json:"count"`
	Ratio float64 `json:"ratio"`
}

// rawTotals mirrors totals.* as it appears on the wire, before
// normalization.
type rawTotals struct {
	NetBps             float64                `json:"net_bps"`
	ComponentBreakdown ComponentBreakdown     `json:"component_breakdown"`
	NegEdgeDrivers     []string               `json:"neg_edge_drivers"`
	BlockReasons       map[string]BlockReason `json:"block_reasons"`
	AdverseBpsP95      float64                `json:"adverse_bps_p95"`
	SlippageBpsP95     float64                `json:"slippage_bps_p95"`
	OrderAgeP95Ms      float64                `json:"order_age_ms_p95"`
	WsLagP95Ms         float64                `json:"ws_lag_ms_p95"`
	MakerCount         int                    `json:"maker_count"`
	TakerCount         int                    `json:"taker_count"`
	MakerTakerRatio    *float64               `json:"maker_taker_ratio"`
}

type rawRuntime struct {
	UTC     string `json:"utc"`
	Version string `json:"version"`
}

type rawReport struct {
	Totals  *rawTotals  `json:"totals"`
	Runtime *rawRuntime `json:"runtime"`
}

// Report is the normalized, ready-to-consume form of one EDGE_REPORT.
type Report struct {
	NetBps             float64
	ComponentBreakdown ComponentBreakdown
	NegEdgeDrivers     []string
	BlockReasons       map[string]BlockReason
	RiskRatio          float64
	AdverseBpsP95      float64
	SlippageBpsP95     float64
	OrderAgeP95Ms      float64
	WsLagP95Ms         float64
	MakerCount         int
	TakerCount         int
	MakerTakerRatio    float64
	RuntimeUTC         string
	RuntimeVersion     string
}

// Parse strict-decodes data into a Report, normalizing risk_ratio and
// the maker/taker ratio, and deriving neg_edge_drivers when the
// strategy didn't already supply it.
func Parse(data []byte) (Report, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw rawReport
	if err := dec.Decode(&raw); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMalformedEdgeReport, err)
	}
	if raw.Totals == nil {
		return Report{}, fmt.Errorf("%w: missing field totals", ErrMalformedEdgeReport)
	}
	if raw.Runtime == nil {
		return Report{}, fmt.Errorf("%w: missing field runtime", ErrMalformedEdgeReport)
	}

	risk, ok := raw.Totals.BlockReasons["risk"]
	if !ok {
		return Report{}, fmt.Errorf("%w: missing field totals.block_reasons.risk", ErrMalformedEdgeReport)
	}
	riskRatio := risk.Ratio
	if riskRatio > 1 {
		riskRatio = riskRatio / 100
	}

	report := Report{
		NetBps:             raw.Totals.NetBps,
		ComponentBreakdown: raw.Totals.ComponentBreakdown,
		BlockReasons:       raw.Totals.BlockReasons,
		RiskRatio:          riskRatio,
		AdverseBpsP95:      raw.Totals.AdverseBpsP95,
		SlippageBpsP95:     raw.Totals.SlippageBpsP95,
		OrderAgeP95Ms:      raw.Totals.OrderAgeP95Ms,
		WsLagP95Ms:         raw.Totals.WsLagP95Ms,
		MakerCount:         raw.Totals.MakerCount,
		TakerCount:         raw.Totals.TakerCount,
		RuntimeUTC:         raw.Runtime.UTC,
		RuntimeVersion:     raw.Runtime.Version,
	}

	report.MakerTakerRatio = makerTakerRatio(raw.Totals)

	if len(raw.Totals.NegEdgeDrivers) > 0 {
		report.NegEdgeDrivers = raw.Totals.NegEdgeDrivers
	} else if report.NetBps < 0 {
		report.NegEdgeDrivers = deriveNegEdgeDrivers(report.ComponentBreakdown)
	}

	return report, nil
}

// makerTakerRatio prefers fills-based counts; it falls back to a
// strategy-supplied ratio only when both counts are absent (zero).
func makerTakerRatio(t *rawTotals) float64 {
	if t.MakerCount > 0 || t.TakerCount > 0 {
		total := t.MakerCount + t.TakerCount
		if total == 0 {
			return 0
		}
		return float64(t.MakerCount) / float64(total)
	}
	if t.MakerTakerRatio != nil {
		return *t.MakerTakerRatio
	}
	return 0
}

// deriveNegEdgeDrivers picks the top-2 components (by most-negative
// contribution) from the breakdown, used when the strategy omitted
// totals.neg_edge_drivers but net_bps is negative.
func deriveNegEdgeDrivers(c ComponentBreakdown) []string {
	type contribution struct {
		name  string
		value float64
	}
	candidates := []contribution{
		{"fees_eff_bps", c.FeesEffBps},
		{"slippage_bps", c.SlippageBps},
		{"adverse_bps", c.AdverseBps},
		{"inventory_bps", c.InventoryBps},
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].value < candidates[j].value
	})

	drivers := make([]string, 0, 2)
	for _, c := range candidates {
		if c.value >= 0 {
			break
		}
		drivers = append(drivers, c.name)
		if len(drivers) == 2 {
			break
		}
	}
	return drivers
}
