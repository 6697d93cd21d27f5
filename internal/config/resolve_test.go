package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketmaker/soaktest/internal/jsonenc"
	"github.com/marketmaker/soaktest/internal/registry"
)

func TestResolvePrecedenceOrder(t *testing.T) {
	reg := registry.Default()

	defaults := map[string]any{"quote": map[string]any{"min_interval_ms": 60}}
	profile := &Profile{Name: "soak_default", Quote: map[string]any{"min_interval_ms": 65}}
	environ := []string{"SOAK_MIN_INTERVAL_MS=70"}
	cli := map[string]any{"quote": map[string]any{"min_interval_ms": 75}}
	runtimeOverrides := map[string]float64{"min_interval_ms": 78}

	resolved, err := Resolve(reg, defaults, profile, environ, cli, runtimeOverrides, zerolog.Nop())
	require.NoError(t, err)

	require.Equal(t, 78, resolved.Doc["quote"].(map[string]any)["min_interval_ms"])
	require.Equal(t, SourceRuntime, resolved.Source["quote.min_interval_ms"])
}

func TestResolveWithoutOverridesKeepsCLIWinner(t *testing.T) {
	reg := registry.Default()
	defaults := map[string]any{"quote": map[string]any{"min_interval_ms": 60}}
	cli := map[string]any{"quote": map[string]any{"min_interval_ms": 75}}

	resolved, err := Resolve(reg, defaults, nil, nil, cli, nil, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 75, resolved.Doc["quote"].(map[string]any)["min_interval_ms"])
	require.Equal(t, SourceCLI, resolved.Source["quote.min_interval_ms"])
}

func TestResolveDeepMergePreservesSiblingKeys(t *testing.T) {
	reg := registry.Default()
	defaults := map[string]any{
		"quote": map[string]any{"min_interval_ms": 60, "tail_age_ms": 300},
	}
	profile := &Profile{Name: "p", Quote: map[string]any{"min_interval_ms": 65}}

	resolved, err := Resolve(reg, defaults, profile, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	quote := resolved.Doc["quote"].(map[string]any)
	require.Equal(t, 65, quote["min_interval_ms"])
	require.Equal(t, 300, quote["tail_age_ms"])
}

func TestResolveEnvIgnoresUnknownParamNames(t *testing.T) {
	reg := registry.Default()
	environ := []string{"SOAK_NOT_A_PARAM=123", "UNRELATED=xyz"}

	resolved, err := Resolve(reg, map[string]any{}, nil, environ, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, resolved.Doc)
}

func TestResolveEnvIgnoresMalformedValue(t *testing.T) {
	reg := registry.Default()
	environ := []string{"SOAK_MIN_INTERVAL_MS=not-a-number"}

	resolved, err := Resolve(reg, map[string]any{}, nil, environ, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, resolved.Doc)
}

func TestResolveDeterministicSerialization(t *testing.T) {
	reg := registry.Default()
	defaults := map[string]any{"quote": map[string]any{"min_interval_ms": 60, "tail_age_ms": 300}}

	a, err := Resolve(reg, defaults, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	b, err := Resolve(reg, defaults, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	aJSON, err := jsonenc.Marshal(a.Doc)
	require.NoError(t, err)
	bJSON, err := jsonenc.Marshal(b.Doc)
	require.NoError(t, err)
	require.Equal(t, aJSON, bJSON)
}

func TestLoadProfileValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: soak_default\nquote:\n  min_interval_ms: 65\n"), 0644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, "soak_default", p.Name)
	require.Equal(t, 65, p.Quote["min_interval_ms"])
}
