package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/marketmaker/soaktest/internal/registry"
)

// Source records which precedence layer last set a resolved leaf.
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

// envPrefix is the single environment variable prefix the resolver
// recognizes. The remainder after the prefix, lowercased, must match a
// flat registry parameter name: SOAK_MIN_INTERVAL_MS=60 resolves
// "min_interval_ms" in the registry and WriteNested then projects it
// to whatever dotted path that parameter is registered under.
const envPrefix = "SOAK_"

// Resolved is the output of Resolve: the merged config document and a
// source map recording, per dotted leaf path, which layer won.
type Resolved struct {
	Doc    map[string]any
	Source map[string]Source
}

// Resolve merges defaults, an optional profile, environment variables,
// CLI overrides, and runtime overrides into one document, lowest to
// highest precedence. Every merge is a deep-merge over nested maps;
// scalars at higher precedence simply replace the lower ones. Env
// vars that look like parameter overrides but don't resolve cleanly
// are dropped with a warning on logger, never silently.
func Resolve(reg *registry.Registry, defaults map[string]any, profile *Profile, environ []string, cli map[string]any, runtimeOverrides map[string]float64, logger zerolog.Logger) (Resolved, error) {
	result := Resolved{
		Doc:    map[string]any{},
		Source: map[string]Source{},
	}

	merge(result.Doc, result.Source, defaults, SourceDefault)

	if profile != nil {
		merge(result.Doc, result.Source, profile.AsDoc(), ProfileSource(profile.Name))
	}

	envDoc, err := parseEnv(reg, environ, logger)
	if err != nil {
		return Resolved{}, err
	}
	merge(result.Doc, result.Source, envDoc, SourceEnv)

	merge(result.Doc, result.Source, cli, SourceCLI)

	for name, value := range runtimeOverrides {
		path, err := reg.ToNestedPath(name)
		if err != nil {
			return Resolved{}, err
		}
		spec, _ := reg.Get(name)
		if err := reg.WriteNested(result.Doc, name, coerce(value, spec.Type)); err != nil {
			return Resolved{}, err
		}
		result.Source[path] = SourceRuntime
	}

	return result, nil
}

// merge deep-merges src into dst, recording prefix+"."+key source tags
// as it descends. A nested map merges key-by-key; any other value type
// replaces the destination outright.
func merge(dst map[string]any, sourceOut map[string]Source, src map[string]any, source Source) {
	mergeAt(dst, sourceOut, "", src, source)
}

func mergeAt(dst map[string]any, sourceOut map[string]Source, prefix string, src map[string]any, source Source) {
	for k, v := range src {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		if srcMap, ok := v.(map[string]any); ok {
			existing, _ := dst[k].(map[string]any)
			if existing == nil {
				existing = map[string]any{}
				dst[k] = existing
			}
			mergeAt(existing, sourceOut, path, srcMap, source)
			continue
		}

		dst[k] = v
		sourceOut[path] = source
	}
}

// nonParamEnvVar reports whether key is a SOAK_-prefixed setting owned
// by another component (the orchestrator's sleep knob, the secret
// provider's namespace); seeing one here is expected and not worth a
// warning.
func nonParamEnvVar(key string) bool {
	return key == "SOAK_SLEEP_SECONDS" || strings.HasPrefix(key, "SOAK_SECRET_")
}

// parseEnv projects every SOAK_-prefixed environment variable into a
// nested document, coercing each value to the type the Registry
// declares for the matching parameter. Variables that don't match a
// known parameter's flat name (uppercased, underscored) and values
// that fail type coercion are dropped with a warning, so a typo'd
// SOAK_MIN_INTERVAL_MS=abc leaves an operator-visible trace instead
// of silently falling back to the lower-precedence layers.
func parseEnv(reg *registry.Registry, environ []string, logger zerolog.Logger) (map[string]any, error) {
	doc := map[string]any{}
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if nonParamEnvVar(key) {
			continue
		}
		paramName := strings.ToLower(strings.TrimPrefix(key, envPrefix))

		spec, err := reg.Get(paramName)
		if err != nil {
			logger.Warn().Str("env", key).Msg("config: ignoring env var, no matching tunable parameter")
			continue
		}

		coerced, err := coerceString(val, spec.Type)
		if err != nil {
			logger.Warn().Err(err).Str("env", key).Msg("config: ignoring env value, type coercion failed")
			continue
		}
		if err := reg.WriteNested(doc, spec.Name, coerced); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func coerceString(val string, t registry.ValueType) (any, error) {
	switch t {
	case registry.Int:
		i, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("config: env value %q is not an integer", val)
		}
		return i, nil
	case registry.Float:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("config: env value %q is not a float", val)
		}
		return f, nil
	default:
		return val, nil
	}
}

func coerce(v float64, t registry.ValueType) any {
	if t == registry.Int {
		return int(v)
	}
	return v
}

// os.Environ is wrapped so callers pass an explicit slice (for
// determinism in tests) rather than reading process state deep inside
// Resolve.
func Environ() []string {
	return os.Environ()
}
