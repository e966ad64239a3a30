// Package health verifies what clients actually see after a
// configuration change: whether each hostname answers over HTTP and
// HTTPS and whether the served certificate is valid for it. It inspects
// the live endpoints only and never touches proxy or store state.
package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// EndpointHealth is the observed state of one hostname.
type EndpointHealth struct {
	Hostname        string
	HTTPAccessible  bool
	HTTPSAccessible bool
	CertValid       bool
	CertIssuer      string
	CertExpiry      time.Time
	LastChecked     time.Time
	Errors          []string
}

// Checker probes the deployment's public endpoints.
type Checker struct {
	timeout time.Duration

	// dialAddr overrides the dial target in tests, keeping the TLS
	// server name pointed at the checked hostname.
	dialAddr string
}

// NewChecker creates an endpoint checker.
func NewChecker() *Checker {
	return &Checker{timeout: 10 * time.Second}
}

// Check probes one hostname over HTTP and HTTPS. The two probes run in
// parallel; probe failures are findings, not errors.
func (c *Checker) Check(ctx context.Context, hostname string) (*EndpointHealth, error) {
	health := &EndpointHealth{
		Hostname:    hostname,
		LastChecked: time.Now(),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		accessible := c.checkHTTP(ctx, hostname)
		mu.Lock()
		health.HTTPAccessible = accessible
		if !accessible {
			health.Errors = append(health.Errors, "HTTP not accessible")
		}
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		info := c.checkTLS(ctx, hostname)
		mu.Lock()
		if info != nil {
			health.HTTPSAccessible = true
			health.CertValid = info.valid
			health.CertIssuer = info.issuer
			health.CertExpiry = info.expiry
			if !info.valid {
				health.Errors = append(health.Errors, fmt.Sprintf("certificate invalid: %s", info.problem))
			}
		} else {
			health.HTTPSAccessible = false
			health.Errors = append(health.Errors, "HTTPS not accessible")
		}
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return health, nil
}

// CheckAll probes every hostname in parallel.
func (c *Checker) CheckAll(ctx context.Context, hostnames []string) ([]*EndpointHealth, error) {
	results := make([]*EndpointHealth, len(hostnames))

	g, ctx := errgroup.WithContext(ctx)
	for i, hostname := range hostnames {
		g.Go(func() error {
			health, err := c.Check(ctx, hostname)
			if err != nil {
				return err
			}
			results[i] = health
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// checkHTTP checks plain-HTTP reachability. A redirect to HTTPS counts
// as accessible; that is the expected behavior once HTTPS is active.
func (c *Checker) checkHTTP(ctx context.Context, hostname string) bool {
	client := &http.Client{
		Timeout: c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // don't follow redirects
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s", hostname), nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

type tlsInfo struct {
	valid   bool
	issuer  string
	expiry  time.Time
	problem string
}

// checkTLS performs a TLS handshake and inspects the served leaf
// certificate. The handshake itself skips chain verification so an
// untrusted (staging or local-test) certificate can still be inspected
// and reported; validity is then judged explicitly.
func (c *Checker) checkTLS(ctx context.Context, hostname string) *tlsInfo {
	addr := c.dialAddr
	if addr == "" {
		addr = net.JoinHostPort(hostname, "443")
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config: &tls.Config{
			ServerName:         hostname,
			InsecureSkipVerify: true,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return &tlsInfo{problem: "no certificate presented"}
	}

	leaf := state.PeerCertificates[0]
	info := &tlsInfo{
		issuer: leaf.Issuer.CommonName,
		expiry: leaf.NotAfter,
	}

	now := time.Now()
	switch {
	case leaf.VerifyHostname(hostname) != nil:
		info.problem = fmt.Sprintf("certificate does not cover %s", hostname)
	case now.After(leaf.NotAfter):
		info.problem = fmt.Sprintf("expired %s", leaf.NotAfter.Format("2006-01-02"))
	case now.Before(leaf.NotBefore):
		info.problem = fmt.Sprintf("not valid before %s", leaf.NotBefore.Format("2006-01-02"))
	default:
		info.valid = true
	}
	return info
}
