package acme

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	acmeapi "github.com/go-acme/lego/v4/acme"
)

// FailureReason classifies why issuance failed. The caller decides the
// retry policy; this package never retries on its own.
type FailureReason string

const (
	// ReasonChallengeFailed means the CA could not validate control of a
	// hostname via the HTTP-01 challenge.
	ReasonChallengeFailed FailureReason = "challenge_failed"
	// ReasonRateLimited means the CA refused the order due to rate
	// limits. Retrying soon makes it worse.
	ReasonRateLimited FailureReason = "rate_limited"
	// ReasonTimeout means issuance exceeded its time budget.
	ReasonTimeout FailureReason = "timeout"
	// ReasonCAUnreachable means the CA endpoint could not be reached.
	ReasonCAUnreachable FailureReason = "ca_unreachable"
)

// IssuanceError wraps a failed issuance or renewal attempt with its
// classification and, for challenge failures, the offending hostname.
type IssuanceError struct {
	Reason   FailureReason
	Hostname string
	Err      error
}

func (e *IssuanceError) Error() string {
	switch e.Reason {
	case ReasonChallengeFailed:
		if e.Hostname != "" {
			return fmt.Sprintf("acme challenge failed for %s: %v", e.Hostname, e.Err)
		}
		return fmt.Sprintf("acme challenge failed: %v", e.Err)
	case ReasonRateLimited:
		return fmt.Sprintf("ca rate limit reached: %v", e.Err)
	case ReasonTimeout:
		return fmt.Sprintf("acme issuance timed out: %v", e.Err)
	case ReasonCAUnreachable:
		return fmt.Sprintf("ca unreachable: %v", e.Err)
	}
	return fmt.Sprintf("acme issuance failed: %v", e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// IsIssuanceError reports whether err stems from a CA interaction.
// Used by the CLI layer for exit-code mapping.
func IsIssuanceError(err error) bool {
	var ie *IssuanceError
	return errors.As(err, &ie)
}

// classify maps a lego error onto the issuance taxonomy. Challenge
// failures are attributed to the hostname the error names, when it
// names one.
func classify(err error, hostnames []string) *IssuanceError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &IssuanceError{Reason: ReasonTimeout, Err: err}
	}

	var problem *acmeapi.ProblemDetails
	if errors.As(err, &problem) {
		switch {
		case strings.HasSuffix(problem.Type, ":rateLimited"):
			return &IssuanceError{Reason: ReasonRateLimited, Err: err}
		case strings.HasSuffix(problem.Type, ":unauthorized"),
			strings.HasSuffix(problem.Type, ":incorrectResponse"),
			strings.HasSuffix(problem.Type, ":connection"),
			strings.HasSuffix(problem.Type, ":dns"):
			return &IssuanceError{Reason: ReasonChallengeFailed,
				Hostname: attributeHostname(err.Error(), hostnames), Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &IssuanceError{Reason: ReasonCAUnreachable, Err: err}
	}

	// lego flattens per-domain validation errors into the message; fall
	// back on string matching the way its own callers do.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "ratelimited"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many"):
		return &IssuanceError{Reason: ReasonRateLimited, Err: err}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"):
		return &IssuanceError{Reason: ReasonCAUnreachable, Err: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return &IssuanceError{Reason: ReasonTimeout, Err: err}
	}

	return &IssuanceError{Reason: ReasonChallengeFailed,
		Hostname: attributeHostname(err.Error(), hostnames), Err: err}
}

// attributeHostname finds which hostname of the batch a flattened lego
// error is about. lego prefixes per-domain failures with "[hostname]";
// also match bare mentions and URLs. Falls back to the batch's first
// hostname so the diagnostic always names one.
func attributeHostname(msg string, hostnames []string) string {
	for _, h := range hostnames {
		if strings.Contains(msg, "["+h+"]") {
			return h
		}
	}
	for _, h := range hostnames {
		if strings.Contains(msg, h) {
			return h
		}
	}
	if len(hostnames) > 0 {
		return hostnames[0]
	}
	return ""
}
