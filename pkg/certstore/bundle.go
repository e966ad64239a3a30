package certstore

import (
	"fmt"
	"strings"
	"time"
)

// IssuerMode selects the certificate authority endpoint and its trust
// and rate-limit profile.
type IssuerMode string

const (
	// ModeProduction issues trusted certificates from the production CA.
	// Rate limits apply per-domain over rolling weekly windows.
	ModeProduction IssuerMode = "production"
	// ModeStaging issues untrusted certificates from the staging CA.
	// Generous rate limits, used as a rehearsal before production.
	ModeStaging IssuerMode = "staging"
	// ModeLocalTest issues certificates from a local test CA (e.g. Pebble)
	// for integration testing without external network dependency.
	ModeLocalTest IssuerMode = "local-test"
)

// ParseMode parses a mode string from configuration.
func ParseMode(s string) (IssuerMode, error) {
	switch IssuerMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeProduction:
		return ModeProduction, nil
	case ModeStaging:
		return ModeStaging, nil
	case ModeLocalTest:
		return ModeLocalTest, nil
	}
	return "", fmt.Errorf("unknown issuer mode %q (expected production, staging or local-test)", s)
}

// RequiresDNSValidation reports whether hostnames must resolve to the
// expected address before issuance is attempted. The local test CA
// validates against the local webroot only, so DNS is skipped.
func (m IssuerMode) RequiresDNSValidation() bool {
	return m != ModeLocalTest
}

// Trusted reports whether certificates from this mode chain to a publicly
// trusted root. Only production certificates may be activated for clients.
func (m IssuerMode) Trusted() bool {
	return m == ModeProduction
}

// Bundle describes one issued certificate covering a hostname set.
// A bundle is immutable once written; renewal produces a replacement
// bundle rather than mutating the existing one.
type Bundle struct {
	Hostnames []string   `json:"hostnames"`
	Mode      IssuerMode `json:"issuer_mode"`

	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	IssuedAt  time.Time `json:"issued_at"`

	// File references to the PEM artifacts, laid out certbot-style so the
	// proxy configuration can point at stable paths.
	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`
	IssuerPath      string `json:"issuer_path,omitempty"`
}

// Primary returns the first hostname of the set, which keys the bundle
// on disk and in the proxy configuration.
func (b *Bundle) Primary() string {
	if len(b.Hostnames) == 0 {
		return ""
	}
	return b.Hostnames[0]
}

// Covers reports whether the bundle covers every hostname in the given set.
func (b *Bundle) Covers(hostnames []string) bool {
	have := make(map[string]bool, len(b.Hostnames))
	for _, h := range b.Hostnames {
		have[strings.ToLower(h)] = true
	}
	for _, h := range hostnames {
		if !have[strings.ToLower(h)] {
			return false
		}
	}
	return true
}

// Expired reports whether the bundle's certificate is past its notAfter.
// An expired bundle that is still marked active is a defect state and
// must be surfaced loudly by callers, never ignored.
func (b *Bundle) Expired(now time.Time) bool {
	return !b.NotAfter.After(now)
}

// ExpiresWithin reports whether the certificate expires within d of now.
func (b *Bundle) ExpiresWithin(now time.Time, d time.Duration) bool {
	return b.NotAfter.Before(now.Add(d))
}

// RemainingValidity returns how long the certificate is still valid for.
// Negative when already expired.
func (b *Bundle) RemainingValidity(now time.Time) time.Duration {
	return b.NotAfter.Sub(now)
}

// NormalizeHostnames lowercases, trims, deduplicates and preserves the
// order of a hostname set. The first entry stays first so the primary
// hostname is stable across runs.
func NormalizeHostnames(hostnames []string) []string {
	seen := make(map[string]bool, len(hostnames))
	out := make([]string, 0, len(hostnames))
	for _, h := range hostnames {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
