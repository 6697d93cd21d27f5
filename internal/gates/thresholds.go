// Package gates holds the Analyzer's KPI gate definitions: the
// hard gates a run must clear on every dimension, the soft gates that
// only emit warnings, and the mode-dependent (soak vs shadow) variants
// of latency and net_bps.
package gates

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Mode distinguishes the two contexts a gate set is evaluated in: a
// long-running soak and a shorter shadow run, which carry slightly
// different latency/net_bps bars.
type Mode string

const (
	ModeSoak   Mode = "soak"
	ModeShadow Mode = "shadow"
)

// HardGates are the KPI floors/ceilings that must ALL hold over the
// last-N medians/means for a run to be READY.
type HardGates struct {
	MakerTakerRatioMin float64 `yaml:"maker_taker_ratio_min"`
	P95LatencyMsMax    float64 `yaml:"p95_latency_ms_max"`
	RiskRatioMax       float64 `yaml:"risk_ratio_max"`
	NetBpsMin          float64 `yaml:"net_bps_min"`
}

// SoftGates emit warnings only; missing one never blocks a verdict.
type SoftGates struct {
	MakerSharePctMin float64 `yaml:"maker_share_pct_min"`
	WsLagP95MsMax    float64 `yaml:"ws_lag_p95_ms_max"`
}

// GateConfig is the full KPI gate set, keyed by mode for the two
// hard-gate dimensions that differ between soak and shadow.
type GateConfig struct {
	Soak   HardGates `yaml:"soak"`
	Shadow HardGates `yaml:"shadow"`
	Soft   SoftGates `yaml:"soft"`
}

// Router selects the appropriate hard-gate set for a mode and exposes
// the shared soft-gate set.
type Router struct {
	config *GateConfig
}

// NewRouter creates a Router with loaded configuration, falling back
// to NewRouterWithDefaults if configPath is empty.
func NewRouter(configPath string) (*Router, error) {
	if configPath == "" {
		return NewRouterWithDefaults(), nil
	}

	config, err := LoadGateConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load gate config: %w", err)
	}

	return &Router{config: config}, nil
}

// NewRouterWithDefaults creates a Router using the canonical thresholds
// from the release-readiness gate set.
func NewRouterWithDefaults() *Router {
	return &Router{
		config: &GateConfig{
			Soak: HardGates{
				MakerTakerRatioMin: 0.83,
				P95LatencyMsMax:    340,
				RiskRatioMax:       0.40,
				NetBpsMin:          2.9,
			},
			Shadow: HardGates{
				MakerTakerRatioMin: 0.83,
				P95LatencyMsMax:    350,
				RiskRatioMax:       0.40,
				NetBpsMin:          2.5,
			},
			Soft: SoftGates{
				MakerSharePctMin: 85,
				WsLagP95MsMax:    200,
			},
		},
	}
}

// HardGatesFor returns the hard gate set for mode.
func (r *Router) HardGatesFor(mode Mode) HardGates {
	if mode == ModeShadow {
		return r.config.Shadow
	}
	return r.config.Soak
}

// SoftGates returns the shared soft gate set.
func (r *Router) SoftGates() SoftGates {
	return r.config.Soft
}

// LoadGateConfig loads a gate config from YAML, trying the path
// verbatim and falling back to a path relative to the project root.
func LoadGateConfig(configPath string) (*GateConfig, error) {
	var data []byte
	var err error

	if filepath.IsAbs(configPath) {
		data, err = os.ReadFile(configPath)
	} else {
		data, err = os.ReadFile(configPath)
		if err != nil {
			rootPath := filepath.Join("../../..", configPath)
			data, err = os.ReadFile(rootPath)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config GateConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := validateGateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid gate configuration: %w", err)
	}

	return &config, nil
}

func validateGateConfig(config *GateConfig) error {
	for name, g := range map[string]HardGates{"soak": config.Soak, "shadow": config.Shadow} {
		if g.MakerTakerRatioMin <= 0 || g.MakerTakerRatioMin > 1 {
			return fmt.Errorf("invalid maker_taker_ratio_min for %s: %.2f (must be 0-1)", name, g.MakerTakerRatioMin)
		}
		if g.P95LatencyMsMax <= 0 {
			return fmt.Errorf("invalid p95_latency_ms_max for %s: %.2f (must be > 0)", name, g.P95LatencyMsMax)
		}
		if g.RiskRatioMax <= 0 || g.RiskRatioMax > 1 {
			return fmt.Errorf("invalid risk_ratio_max for %s: %.2f (must be 0-1)", name, g.RiskRatioMax)
		}
	}
	if config.Soft.MakerSharePctMin < 0 || config.Soft.MakerSharePctMin > 100 {
		return fmt.Errorf("invalid maker_share_pct_min: %.2f (must be 0-100)", config.Soft.MakerSharePctMin)
	}
	return nil
}

// Describe returns a human-readable rendering of the hard gates for
// mode, used in POST_SOAK_AUDIT.md's gate summary section.
func (r *Router) Describe(mode Mode) string {
	g := r.HardGatesFor(mode)
	soft := r.SoftGates()
	return fmt.Sprintf("mode=%s | maker/taker ≥%.2f | p95 latency ≤%.0fms | risk ratio ≤%.2f | net_bps ≥%.1f | (soft) maker share ≥%.0f%% | (soft) ws lag p95 ≤%.0fms",
		mode, g.MakerTakerRatioMin, g.P95LatencyMsMax, g.RiskRatioMax, g.NetBpsMin, soft.MakerSharePctMin, soft.WsLagP95MsMax)
}
