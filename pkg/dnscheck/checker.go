// Package dnscheck validates that hostnames resolve to the deployment's
// public address before certificate issuance is attempted. Issuance
// against a misconfigured DNS record burns CA rate limits, so this gate
// runs first for the production and staging issuer modes.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/torrust/tracker-certs/pkg/resilience"
)

const lookupTimeout = 10 * time.Second

// DefaultResolvers are consulted in order until one answers. Public
// resolvers are preferred over the host's own, which often serves stale
// or split-horizon answers for freshly created records.
var DefaultResolvers = []string{
	"1.1.1.1:53", // Cloudflare
	"8.8.8.8:53", // Google
	"9.9.9.9:53", // Quad9
}

// Checker resolves hostnames against a fixed set of DNS servers. It is a
// pure reader: validation has no side effects.
type Checker struct {
	resolvers []string

	// lookup is swappable in tests.
	lookup func(ctx context.Context, resolver, hostname string) ([]string, error)
}

// NewChecker creates a checker. With no resolvers given the public
// defaults are used.
func NewChecker(resolvers ...string) *Checker {
	if len(resolvers) == 0 {
		resolvers = DefaultResolvers
	}
	c := &Checker{resolvers: resolvers}
	c.lookup = c.lookupHost
	return c
}

// Validate polls until hostname resolves to expected or maxWait elapses.
// Transient resolver failures and missing records count as "not yet",
// not fatal. On failure the error distinguishes a wrong address
// (*MismatchError, with the actual records) from a record that never
// appeared (*TimeoutError).
func (c *Checker) Validate(ctx context.Context, hostname, expected string, maxWait, pollInterval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	start := time.Now()
	var lastErr error

	err := resilience.Poll(ctx, func() error {
		lastErr = c.check(ctx, hostname, expected)
		return lastErr
	},
		resilience.WithMaxElapsed(maxWait),
		resilience.WithInitialDelay(pollInterval),
		resilience.WithMaxDelay(pollInterval),
	)
	if err == nil {
		return nil
	}

	// Prefer the last real observation over the context error the poll
	// loop ends with.
	var mismatch *MismatchError
	if errors.As(lastErr, &mismatch) {
		return mismatch
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != context.DeadlineExceeded {
		return err
	}
	return &TimeoutError{
		Hostname: hostname,
		Expected: expected,
		Waited:   time.Since(start),
		LastErr:  lastErr,
	}
}

// ValidateAll validates every hostname in parallel. Outcomes are
// independent, so all hostnames are checked concurrently and the first
// failure is reported.
func (c *Checker) ValidateAll(ctx context.Context, hostnames []string, expected string, maxWait, pollInterval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, hostname := range hostnames {
		g.Go(func() error {
			return c.Validate(ctx, hostname, expected, maxWait, pollInterval)
		})
	}
	return g.Wait()
}

// check performs one resolution round across the configured resolvers.
func (c *Checker) check(ctx context.Context, hostname, expected string) error {
	var lastErr error
	for _, resolver := range c.resolvers {
		addrs, err := c.lookup(ctx, resolver, hostname)
		if err != nil {
			lastErr = err
			continue // try next resolver
		}
		for _, addr := range addrs {
			if addr == expected {
				return nil
			}
		}
		return &MismatchError{Hostname: hostname, Expected: expected, Actual: addrs}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolvers configured")
	}
	return lastErr
}

// lookupHost queries a single resolver directly, bypassing the host's
// stub resolver and its cache.
func (c *Checker) lookupHost(ctx context.Context, resolver, hostname string) ([]string, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, "udp", resolver)
		},
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	return r.LookupHost(ctx, hostname)
}
