package clock

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWithoutFreezeEnvReturnsRealClock(t *testing.T) {
	os.Unsetenv(freezeEnvVar)
	c := New()
	require.WithinDuration(t, time.Now().UTC(), c.Now(), time.Second)
}

func TestNewWithFreezeEnvReturnsFrozenClock(t *testing.T) {
	t.Setenv(freezeEnvVar, "2026-01-01T00:00:00Z")
	c := New()
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), c.Now())
}

func TestNewWithInvalidFreezeEnvFallsBackToReal(t *testing.T) {
	t.Setenv(freezeEnvVar, "not-a-timestamp")
	c := New()
	require.WithinDuration(t, time.Now().UTC(), c.Now(), time.Second)
}

func TestFrozenMonotonicNowStillAdvances(t *testing.T) {
	c := Frozen(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	first := c.MonotonicNow()
	require.Eventually(t, func() bool {
		return c.MonotonicNow().After(first)
	}, time.Second, time.Millisecond)
}

func TestFrozenNowNeverChanges(t *testing.T) {
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := Frozen(at)
	require.Equal(t, at, c.Now())
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, at, c.Now())
}
