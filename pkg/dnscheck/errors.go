package dnscheck

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MismatchError reports that a hostname resolves, but to the wrong
// address. The actual records are included so the operator can see
// exactly what their DNS currently serves.
type MismatchError struct {
	Hostname string
	Expected string
	Actual   []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("dns mismatch for %s: expected %s, got %s",
		e.Hostname, e.Expected, strings.Join(e.Actual, ", "))
}

// TimeoutError reports that a hostname never resolved to the expected
// address within the wait budget. LastErr carries the final resolver
// error (typically "no such host") for diagnostics.
type TimeoutError struct {
	Hostname string
	Expected string
	Waited   time.Duration
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("dns validation for %s timed out after %s waiting for %s",
		e.Hostname, e.Waited.Round(time.Second), e.Expected)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last resolver result: %v)", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// IsDNSError reports whether err is one of this package's validation
// failures. Used by the CLI layer for exit-code mapping.
func IsDNSError(err error) bool {
	var mismatch *MismatchError
	var timeout *TimeoutError
	return errors.As(err, &mismatch) || errors.As(err, &timeout)
}
