package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torrust/tracker-certs/pkg/certstore"
	"github.com/torrust/tracker-certs/pkg/notification"
)

// Config is the full configuration for the certificate lifecycle tool.
// It describes one deployment: a small, statically known set of hostnames
// that share one certificate bundle behind one nginx reverse proxy.
type Config struct {
	Project ProjectConfig `yaml:"project"`

	// Contact is the email registered with the certificate authority.
	Contact string `yaml:"contact"`

	Issuer  IssuerConfig  `yaml:"issuer"`
	DNS     DNSConfig     `yaml:"dns"`
	Routes  []RouteConfig `yaml:"routes"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Renewal RenewalConfig `yaml:"renewal"`
	Store   StoreConfig   `yaml:"store,omitempty"`

	// Notifications configures webhook channels for unattended-run
	// outcomes. Empty means no notifications.
	Notifications notification.NotifierConfig `yaml:"notifications,omitempty"`
}

// ProjectConfig defines project metadata.
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// IssuerConfig selects the certificate authority endpoint.
type IssuerConfig struct {
	// Mode is one of production, staging or local-test.
	Mode string `yaml:"mode"`

	// LocalURL is the directory URL of the local test CA (e.g. a Pebble
	// instance). Required when mode is local-test.
	LocalURL string `yaml:"local_url,omitempty"`

	// ProductionURL and StagingURL override the Let's Encrypt defaults.
	// Rarely needed outside of tests.
	ProductionURL string `yaml:"production_url,omitempty"`
	StagingURL    string `yaml:"staging_url,omitempty"`
}

// DNSConfig controls the pre-issuance DNS readiness gate.
type DNSConfig struct {
	// ExpectedIP is the public address every hostname must resolve to
	// before issuance is attempted.
	ExpectedIP string `yaml:"expected_ip"`

	MaxWait      Duration `yaml:"max_wait,omitempty"`      // default 5m
	PollInterval Duration `yaml:"poll_interval,omitempty"` // default 10s

	// Resolvers are the DNS servers consulted (host:port). Defaults to a
	// set of public resolvers when empty.
	Resolvers []string `yaml:"resolvers,omitempty"`
}

// RouteConfig maps one public hostname to its backend service.
type RouteConfig struct {
	Hostname string `yaml:"hostname"`
	// Upstream is the host:port the proxy forwards requests to.
	Upstream string `yaml:"upstream"`
}

// ProxyConfig describes the nginx reverse proxy this tool reconfigures.
type ProxyConfig struct {
	// ConfPath is the nginx configuration file this tool owns. It is
	// always replaced whole via staged-write-then-rename, never edited.
	ConfPath string `yaml:"conf_path"`

	// Webroot is the directory nginx serves /.well-known/acme-challenge/
	// from. It must be servable in both HTTP-only and HTTPS states.
	Webroot string `yaml:"webroot"`

	// NginxBin is the nginx binary used for config validation and reload
	// signaling.
	NginxBin string `yaml:"nginx_bin,omitempty"` // default "nginx"

	// StateDir holds the persisted proxy state and renewal bookkeeping.
	StateDir string `yaml:"state_dir"`
}

// RenewalConfig controls unattended renewal.
type RenewalConfig struct {
	// Schedule is a five-field cron expression for the renewal job.
	Schedule string `yaml:"schedule,omitempty"` // default "17 3,15 * * *"

	// RenewBefore is how long before expiry renewal becomes due.
	RenewBefore Duration `yaml:"renew_before,omitempty"` // default 720h (30d)

	// CronDir is where the recurring-task entry is installed.
	CronDir string `yaml:"cron_dir,omitempty"` // default /etc/cron.d

	// LockStaleAfter is when an abandoned renewal lock may be broken.
	LockStaleAfter Duration `yaml:"lock_stale_after,omitempty"` // default 1h
}

// StoreConfig locates the certificate bundle store.
type StoreConfig struct {
	Dir string `yaml:"dir,omitempty"` // default <state_dir>/certificates
}

// Duration wraps time.Duration so YAML values like "5m" or "720h" parse
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Hostnames returns the ordered, deduplicated hostname set derived from
// the routes. The first route's hostname is the primary hostname.
func (c *Config) Hostnames() []string {
	hostnames := make([]string, 0, len(c.Routes))
	for _, route := range c.Routes {
		hostnames = append(hostnames, route.Hostname)
	}
	return certstore.NormalizeHostnames(hostnames)
}

// Mode returns the parsed issuer mode. Validation guarantees it parses.
func (c *Config) Mode() certstore.IssuerMode {
	mode, _ := certstore.ParseMode(c.Issuer.Mode)
	return mode
}

// DirectoryURL returns the CA directory URL for the given issuer mode.
func (c *Config) DirectoryURL(mode certstore.IssuerMode) string {
	switch mode {
	case certstore.ModeProduction:
		if c.Issuer.ProductionURL != "" {
			return c.Issuer.ProductionURL
		}
		return "" // acme package falls back to the Let's Encrypt default
	case certstore.ModeStaging:
		if c.Issuer.StagingURL != "" {
			return c.Issuer.StagingURL
		}
		return ""
	case certstore.ModeLocalTest:
		return c.Issuer.LocalURL
	}
	return ""
}

// StoreDir returns the certificate store directory, defaulting under the
// proxy state directory.
func (c *Config) StoreDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return c.Proxy.StateDir + "/certificates"
}
