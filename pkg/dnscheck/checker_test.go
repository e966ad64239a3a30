package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLookup scripts per-hostname answers, returned in sequence; the
// last answer repeats.
type fakeLookup struct {
	mu      sync.Mutex
	answers map[string][]lookupAnswer
	calls   map[string]int
}

type lookupAnswer struct {
	addrs []string
	err   error
}

func (f *fakeLookup) lookup(ctx context.Context, resolver, hostname string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	seq := f.answers[hostname]
	if len(seq) == 0 {
		return nil, fmt.Errorf("no answer scripted for %s", hostname)
	}
	i := f.calls[hostname]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.calls[hostname]++
	answer := seq[i]
	return answer.addrs, answer.err
}

func newTestChecker(f *fakeLookup) *Checker {
	c := NewChecker("192.0.2.1:53")
	c.lookup = f.lookup
	return c
}

func TestValidateMatch(t *testing.T) {
	checker := newTestChecker(&fakeLookup{answers: map[string][]lookupAnswer{
		"tracker.example.com": {{addrs: []string{"203.0.113.10"}}},
	}})

	err := checker.Validate(context.Background(), "tracker.example.com", "203.0.113.10",
		time.Second, 10*time.Millisecond)
	assert.NoError(t, err)
}

func TestValidateEventualMatch(t *testing.T) {
	// Propagation: first no record, then the wrong one, then the right one.
	checker := newTestChecker(&fakeLookup{answers: map[string][]lookupAnswer{
		"tracker.example.com": {
			{err: errors.New("NXDOMAIN")},
			{addrs: []string{"198.51.100.7"}},
			{addrs: []string{"203.0.113.10"}},
		},
	}})

	err := checker.Validate(context.Background(), "tracker.example.com", "203.0.113.10",
		2*time.Second, 5*time.Millisecond)
	assert.NoError(t, err)
}

func TestValidateMismatch(t *testing.T) {
	checker := newTestChecker(&fakeLookup{answers: map[string][]lookupAnswer{
		"tracker.example.com": {{addrs: []string{"198.51.100.7"}}},
	}})

	err := checker.Validate(context.Background(), "tracker.example.com", "203.0.113.10",
		100*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "tracker.example.com", mismatch.Hostname)
	assert.Equal(t, "203.0.113.10", mismatch.Expected)
	assert.Equal(t, []string{"198.51.100.7"}, mismatch.Actual)
	assert.True(t, IsDNSError(err))
}

func TestValidateTimeoutNoRecord(t *testing.T) {
	checker := newTestChecker(&fakeLookup{answers: map[string][]lookupAnswer{
		"tracker.example.com": {{err: errors.New("NXDOMAIN")}},
	}})

	start := time.Now()
	err := checker.Validate(context.Background(), "tracker.example.com", "203.0.113.10",
		100*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "tracker.example.com", timeout.Hostname)
	assert.ErrorContains(t, timeout.LastErr, "NXDOMAIN")
	assert.True(t, IsDNSError(err))

	// The bound holds: no unbounded waiting.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestValidateCancellation(t *testing.T) {
	checker := newTestChecker(&fakeLookup{answers: map[string][]lookupAnswer{
		"tracker.example.com": {{err: errors.New("NXDOMAIN")}},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := checker.Validate(ctx, "tracker.example.com", "203.0.113.10",
		time.Minute, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsDNSError(err), "operator cancellation is not a DNS failure")
}

func TestValidateAll(t *testing.T) {
	checker := newTestChecker(&fakeLookup{answers: map[string][]lookupAnswer{
		"tracker.example.com": {{addrs: []string{"203.0.113.10"}}},
		"grafana.example.com": {{addrs: []string{"203.0.113.10"}}},
	}})

	err := checker.ValidateAll(context.Background(),
		[]string{"tracker.example.com", "grafana.example.com"}, "203.0.113.10",
		time.Second, 10*time.Millisecond)
	assert.NoError(t, err)
}

func TestValidateAllOneMismatch(t *testing.T) {
	checker := newTestChecker(&fakeLookup{answers: map[string][]lookupAnswer{
		"tracker.example.com": {{addrs: []string{"203.0.113.10"}}},
		"grafana.example.com": {{addrs: []string{"198.51.100.7"}}},
	}})

	err := checker.ValidateAll(context.Background(),
		[]string{"tracker.example.com", "grafana.example.com"}, "203.0.113.10",
		200*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "grafana.example.com", mismatch.Hostname)
}

func TestCheckFallsBackToNextResolver(t *testing.T) {
	var calls []string
	c := NewChecker("192.0.2.1:53", "192.0.2.2:53")
	c.lookup = func(ctx context.Context, resolver, hostname string) ([]string, error) {
		calls = append(calls, resolver)
		if resolver == "192.0.2.1:53" {
			return nil, errors.New("connection refused")
		}
		return []string{"203.0.113.10"}, nil
	}

	err := c.Validate(context.Background(), "tracker.example.com", "203.0.113.10",
		time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1:53", "192.0.2.2:53"}, calls)
}
