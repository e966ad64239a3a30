package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker wraps gobreaker for calls against the certificate authority.
// Repeated CA failures open the circuit so an unreachable or rate-limiting
// endpoint is not hammered by every scheduler tick.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// BreakerOption configures a Breaker.
type BreakerOption func(*gobreaker.Settings)

// WithFailureThreshold sets the consecutive failures that open the circuit.
func WithFailureThreshold(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// WithOpenTimeout sets how long the circuit stays open before a probe.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) { s.Timeout = d }
}

// WithOnStateChange installs a state transition callback.
func WithOnStateChange(fn func(name, from, to string)) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.OnStateChange = func(name string, from, to gobreaker.State) {
			fn(name, from.String(), to.String())
		}
	}
}

// NewBreaker creates a circuit breaker. Defaults: trip after 3
// consecutive failures, stay open for 5 minutes, allow one probe call in
// half-open state. CA issuance is slow and rate limited, so the breaker
// is deliberately conservative.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Execute runs fn through the breaker. When the circuit is open the call
// is rejected with ErrCircuitOpen and fn is never invoked.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrCircuitOpen, err)
	}
	return err
}

// State returns the current breaker state name for status reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
