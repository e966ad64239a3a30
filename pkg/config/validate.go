package config

import (
	"fmt"
	"net"
	"net/mail"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/torrust/tracker-certs/pkg/certstore"
)

var hostnameRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

// Validate checks the configuration and collects every problem it finds,
// so the operator fixes the file in one pass instead of one error at a
// time.
func (c *Config) Validate() error {
	var errs []string

	if c.Project.Name == "" {
		errs = append(errs, "project.name is required")
	}

	if c.Contact == "" {
		errs = append(errs, "contact is required (CA account email)")
	} else if _, err := mail.ParseAddress(c.Contact); err != nil {
		errs = append(errs, fmt.Sprintf("contact %q is not a valid email address", c.Contact))
	}

	mode, err := certstore.ParseMode(c.Issuer.Mode)
	if err != nil {
		errs = append(errs, err.Error())
	} else if mode == certstore.ModeLocalTest && c.Issuer.LocalURL == "" {
		errs = append(errs, "issuer.local_url is required when issuer.mode is local-test")
	}

	if len(c.Routes) == 0 {
		errs = append(errs, "at least one route is required")
	}
	seen := make(map[string]bool)
	for i, route := range c.Routes {
		hostname := strings.ToLower(strings.TrimSpace(route.Hostname))
		switch {
		case hostname == "":
			errs = append(errs, fmt.Sprintf("routes[%d].hostname is required", i))
		case !hostnameRe.MatchString(hostname):
			errs = append(errs, fmt.Sprintf("routes[%d].hostname %q is not a fully-qualified hostname", i, route.Hostname))
		case seen[hostname]:
			errs = append(errs, fmt.Sprintf("routes[%d].hostname %q is duplicated", i, route.Hostname))
		}
		seen[hostname] = true

		if route.Upstream == "" {
			errs = append(errs, fmt.Sprintf("routes[%d].upstream is required", i))
		} else if _, _, err := net.SplitHostPort(route.Upstream); err != nil {
			errs = append(errs, fmt.Sprintf("routes[%d].upstream %q must be host:port", i, route.Upstream))
		}
	}

	if err == nil && mode.RequiresDNSValidation() {
		if c.DNS.ExpectedIP == "" {
			errs = append(errs, fmt.Sprintf("dns.expected_ip is required for issuer mode %s", mode))
		} else if net.ParseIP(c.DNS.ExpectedIP) == nil {
			errs = append(errs, fmt.Sprintf("dns.expected_ip %q is not a valid IP address", c.DNS.ExpectedIP))
		}
	}
	if c.DNS.PollInterval.Std() > c.DNS.MaxWait.Std() {
		errs = append(errs, "dns.poll_interval must not exceed dns.max_wait")
	}
	for i, resolver := range c.DNS.Resolvers {
		if _, _, err := net.SplitHostPort(resolver); err != nil {
			errs = append(errs, fmt.Sprintf("dns.resolvers[%d] %q must be host:port", i, resolver))
		}
	}

	if c.Proxy.ConfPath == "" {
		errs = append(errs, "proxy.conf_path is required")
	} else if !filepath.IsAbs(c.Proxy.ConfPath) {
		errs = append(errs, "proxy.conf_path must be an absolute path")
	}
	if c.Proxy.Webroot == "" {
		errs = append(errs, "proxy.webroot is required")
	} else if !filepath.IsAbs(c.Proxy.Webroot) {
		errs = append(errs, "proxy.webroot must be an absolute path")
	}
	if c.Proxy.StateDir == "" {
		errs = append(errs, "proxy.state_dir is required")
	} else if !filepath.IsAbs(c.Proxy.StateDir) {
		errs = append(errs, "proxy.state_dir must be an absolute path")
	}

	if err := validateCronExpression(c.Renewal.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("renewal.schedule: %v", err))
	}
	if c.Renewal.RenewBefore.Std() <= 0 {
		errs = append(errs, "renewal.renew_before must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

var cronFieldRe = regexp.MustCompile(`^[0-9*,/-]+$`)

// validateCronExpression checks the shape of a five-field cron
// expression. Full semantic validation belongs to cron itself; this
// catches the obvious mistakes before a broken entry is installed.
func validateCronExpression(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 fields (minute hour day month weekday), got %d in %q", len(fields), expr)
	}
	for _, field := range fields {
		if !cronFieldRe.MatchString(field) {
			return fmt.Errorf("invalid cron field %q in %q", field, expr)
		}
	}
	return nil
}
