// Package secret provides the minimal secret lookup the exporters
// need: Redis credentials and any future third-party endpoint tokens,
// sourced from the process environment so secrets never touch a
// config file on disk.
package secret

import (
	"fmt"
	"os"
)

// ErrNotFound is returned when a named secret has no corresponding
// environment variable set.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("secret: %s not set", e.Name)
}

// envPrefix namespaces every secret lookup under this module, so
// "redis-password" resolves to SOAK_SECRET_REDIS_PASSWORD.
const envPrefix = "SOAK_SECRET_"

// Get resolves name (e.g. "redis-password") to its environment
// variable form and returns the value, or ErrNotFound if unset.
func Get(name string) (string, error) {
	key := envPrefix + toEnvKey(name)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", &ErrNotFound{Name: name}
	}
	return value, nil
}

// GetOrDefault resolves name, falling back to def if unset.
func GetOrDefault(name, def string) string {
	value, err := Get(name)
	if err != nil {
		return def
	}
	return value
}

func toEnvKey(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '-':
			out[i] = '_'
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		default:
			out[i] = c
		}
	}
	return string(out)
}
