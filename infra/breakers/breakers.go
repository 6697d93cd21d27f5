// Package breakers wraps sony/gobreaker with the trip policy the
// exporters use to decide when a downstream (Redis, a webhook) should
// be treated as unavailable and publication downgraded to dry-run.
package breakers

import (
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"
)

// Policy tunes when a Breaker trips. The zero value is DefaultPolicy.
type Policy struct {
	// ConsecutiveFailures trips the breaker immediately once reached,
	// so a cold-start burst of errors doesn't have to wait for the
	// rolling window to fill.
	ConsecutiveFailures uint32
	// MinRequests is the rolling-window size FailureRatio starts
	// applying at; below it only ConsecutiveFailures can trip.
	MinRequests uint32
	// FailureRatio trips the breaker once MinRequests have been
	// observed and the failure share exceeds it.
	FailureRatio float64
	// OpenFor is how long the breaker stays open before allowing a
	// single half-open probe request through.
	OpenFor time.Duration
}

// DefaultPolicy trips after 3 consecutive failures, or after a
// failure rate above 5% once at least 20 requests have been observed
// in the rolling window.
var DefaultPolicy = Policy{
	ConsecutiveFailures: 3,
	MinRequests:         20,
	FailureRatio:        0.05,
	OpenFor:             60 * time.Second,
}

// Breaker wraps one gobreaker.CircuitBreaker under a named Policy,
// logging every state transition so a trip shows up in the exporter's
// own log stream rather than only as a downstream publish failure.
type Breaker struct {
	cb *cb.CircuitBreaker
}

// New builds a Breaker named name under DefaultPolicy, logging state
// transitions through logger.
func New(name string, logger zerolog.Logger) *Breaker {
	return NewWithPolicy(name, DefaultPolicy, logger)
}

// NewWithPolicy builds a Breaker named name under an explicit Policy.
func NewWithPolicy(name string, policy Policy, logger zerolog.Logger) *Breaker {
	if policy == (Policy{}) {
		policy = DefaultPolicy
	}
	st := cb.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  policy.OpenFor,
		ReadyToTrip: func(counts cb.Counts) bool {
			if counts.ConsecutiveFailures >= policy.ConsecutiveFailures {
				return true
			}
			if counts.Requests < policy.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > policy.FailureRatio
		},
		OnStateChange: func(name string, from, to cb.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker. Callers that get a trip error
// back should treat it exactly like any other transient exporter
// failure: downgrade to dry-run and log, never fail the caller.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}
