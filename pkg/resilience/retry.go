// Package resilience provides the bounded retry and circuit breaker
// primitives used around external waits: DNS propagation polling and
// certificate authority calls.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollOption configures a polling loop.
type PollOption func(*pollConfig)

type pollConfig struct {
	maxElapsed   time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	onRetry      func(err error, next time.Duration)
	classifier   func(error) bool // true when the error is worth retrying
}

// WithMaxElapsed caps the total wall-clock time spent polling. The loop
// never blocks past this ceiling.
func WithMaxElapsed(d time.Duration) PollOption {
	return func(c *pollConfig) { c.maxElapsed = d }
}

// WithInitialDelay sets the delay before the second attempt.
func WithInitialDelay(d time.Duration) PollOption {
	return func(c *pollConfig) { c.initialDelay = d }
}

// WithMaxDelay caps the delay between attempts.
func WithMaxDelay(d time.Duration) PollOption {
	return func(c *pollConfig) { c.maxDelay = d }
}

// WithOnRetry installs a callback invoked before each wait.
func WithOnRetry(fn func(err error, next time.Duration)) PollOption {
	return func(c *pollConfig) { c.onRetry = fn }
}

// WithClassifier decides which errors end the loop early. Errors the
// classifier rejects are returned immediately without further attempts.
func WithClassifier(fn func(error) bool) PollOption {
	return func(c *pollConfig) { c.classifier = fn }
}

// Poll runs operation with exponential backoff until it succeeds, the
// context is cancelled, the classifier rejects an error, or maxElapsed
// passes. The returned error is the operation's last error, not a
// backoff-internal one, so callers can inspect it for diagnostics.
func Poll(ctx context.Context, operation func() error, opts ...PollOption) error {
	cfg := &pollConfig{
		maxElapsed:   2 * time.Minute,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		classifier:   DefaultClassifier,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.initialDelay
	b.MaxInterval = cfg.maxDelay
	b.MaxElapsedTime = cfg.maxElapsed
	b.Multiplier = cfg.multiplier
	b.RandomizationFactor = 0.1

	wrapped := func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if cfg.classifier != nil && !cfg.classifier(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(b, ctx)
	var err error
	if cfg.onRetry != nil {
		err = backoff.RetryNotify(wrapped, bo, cfg.onRetry)
	} else {
		err = backoff.Retry(wrapped, bo)
	}

	// backoff.Permanent wraps the error; unwrap so callers see the
	// operation's own error type.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// DefaultClassifier retries everything except context cancellation.
// Polling loops wait on external state, so unknown errors default to
// "not yet" rather than "never".
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Permanent marks an error so Poll stops retrying it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
