package extract

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/telemetry"
)

// Breaker guards one external extractor service. Transitions:
//
//	closed    → open       after FailureThreshold consecutive failures
//	open      → half-open  on the first call after ResetTimeout
//	half-open → closed     after HalfOpenMaxCalls consecutive successes
//	half-open → open       on any failure
//
// A call while open fails immediately with CIRCUIT_OPEN.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker builds a named breaker with the configured thresholds.
// Transitions are logged (open at warn, the rest at info) and counted.
func NewBreaker(name string, cfg core.BreakerConfig, log zerolog.Logger, tel *telemetry.Telemetry) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenMaxCalls),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := log.Info()
			if to == gobreaker.StateOpen {
				ev = log.Warn()
			}
			ev.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			tel.BreakerTransition(name, to.String())
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the current breaker state as closed|half-open|open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Name returns the breaker's service name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn under the breaker. Open-state rejections surface as
// CIRCUIT_OPEN; every other failure is recorded and returned verbatim for
// the caller to wrap into its service-specific kind.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, core.E(core.KindCircuitOpen, "extract."+b.name, "circuit breaker is open")
		}
		return zero, err
	}
	return out.(T), nil
}
