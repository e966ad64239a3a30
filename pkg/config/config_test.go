package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker-certs/pkg/certstore"
)

const validYAML = `
project:
  name: torrust-demo

contact: admin@example.com

issuer:
  mode: production

dns:
  expected_ip: 203.0.113.10

routes:
  - hostname: tracker.example.com
    upstream: 127.0.0.1:7070
  - hostname: grafana.example.com
    upstream: 127.0.0.1:3100

proxy:
  conf_path: /etc/nginx/nginx.conf
  webroot: /var/www/acme
  state_dir: /var/lib/tracker-certs
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigValid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "torrust-demo", cfg.Project.Name)
	assert.Equal(t, certstore.ModeProduction, cfg.Mode())
	assert.Equal(t, []string{"tracker.example.com", "grafana.example.com"}, cfg.Hostnames())

	// Defaults applied.
	assert.Equal(t, 5*time.Minute, cfg.DNS.MaxWait.Std())
	assert.Equal(t, 10*time.Second, cfg.DNS.PollInterval.Std())
	assert.Equal(t, 30*24*time.Hour, cfg.Renewal.RenewBefore.Std())
	assert.Equal(t, "17 3,15 * * *", cfg.Renewal.Schedule)
	assert.Equal(t, "/etc/cron.d", cfg.Renewal.CronDir)
	assert.Equal(t, "nginx", cfg.Proxy.NginxBin)
	assert.Equal(t, "/var/lib/tracker-certs/certificates", cfg.StoreDir())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadConfigUnknownField(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, validYAML+"\nunknown_key: true\n"))
	require.Error(t, err, "unknown fields are rejected, not silently ignored")
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TRACKER_IP", "203.0.113.99")

	content := `
project:
  name: torrust-demo
contact: admin@example.com
issuer:
  mode: staging
dns:
  expected_ip: ${TRACKER_IP}
routes:
  - hostname: tracker.example.com
    upstream: 127.0.0.1:7070
proxy:
  conf_path: /etc/nginx/nginx.conf
  webroot: /var/www/acme
  state_dir: /var/lib/tracker-certs
`
	cfg, err := LoadConfig(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.99", cfg.DNS.ExpectedIP)
}

func TestLoadConfigDurations(t *testing.T) {
	content := validYAML + `
renewal:
  renew_before: 240h
  lock_stale_after: 30m
`
	cfg, err := LoadConfig(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, 240*time.Hour, cfg.Renewal.RenewBefore.Std())
	assert.Equal(t, 30*time.Minute, cfg.Renewal.LockStaleAfter.Std())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	content := `
project:
  name: ""
contact: not-an-email
issuer:
  mode: bogus
routes:
  - hostname: tracker
    upstream: no-port
proxy:
  conf_path: relative/path
  webroot: /var/www/acme
  state_dir: /var/lib/tracker-certs
`
	_, err := LoadConfig(writeConfig(t, content))
	require.Error(t, err)

	// Every problem is reported in one pass.
	msg := err.Error()
	assert.Contains(t, msg, "project.name")
	assert.Contains(t, msg, "not a valid email")
	assert.Contains(t, msg, "unknown issuer mode")
	assert.Contains(t, msg, "fully-qualified hostname")
	assert.Contains(t, msg, "must be host:port")
	assert.Contains(t, msg, "absolute path")
}

func TestValidateLocalTestRequiresURL(t *testing.T) {
	content := `
project:
  name: torrust-demo
contact: admin@example.com
issuer:
  mode: local-test
routes:
  - hostname: tracker.example.com
    upstream: 127.0.0.1:7070
proxy:
  conf_path: /etc/nginx/nginx.conf
  webroot: /var/www/acme
  state_dir: /var/lib/tracker-certs
`
	_, err := LoadConfig(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer.local_url")
}

func TestValidateLocalTestSkipsExpectedIP(t *testing.T) {
	content := `
project:
  name: torrust-demo
contact: admin@example.com
issuer:
  mode: local-test
  local_url: https://127.0.0.1:14000/dir
routes:
  - hostname: tracker.example.com
    upstream: 127.0.0.1:7070
proxy:
  conf_path: /etc/nginx/nginx.conf
  webroot: /var/www/acme
  state_dir: /var/lib/tracker-certs
`
	cfg, err := LoadConfig(writeConfig(t, content))
	require.NoError(t, err, "local-test mode does not need expected_ip")
	assert.Equal(t, certstore.ModeLocalTest, cfg.Mode())
	assert.Equal(t, "https://127.0.0.1:14000/dir", cfg.DirectoryURL(certstore.ModeLocalTest))
}

func TestValidateDuplicateHostname(t *testing.T) {
	content := `
project:
  name: torrust-demo
contact: admin@example.com
issuer:
  mode: staging
dns:
  expected_ip: 203.0.113.10
routes:
  - hostname: tracker.example.com
    upstream: 127.0.0.1:7070
  - hostname: Tracker.example.com
    upstream: 127.0.0.1:7071
proxy:
  conf_path: /etc/nginx/nginx.conf
  webroot: /var/www/acme
  state_dir: /var/lib/tracker-certs
`
	_, err := LoadConfig(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated")
}

func TestValidateCronExpression(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"17 3,15 * * *", false},
		{"*/5 * * * *", false},
		{"0 0 1 1 0", false},
		{"* * * *", true},     // four fields
		{"a b c d e", true},   // garbage
		{"17 3 * * * *", true}, // six fields
	}
	for _, tt := range tests {
		err := validateCronExpression(tt.expr)
		if tt.wantErr {
			assert.Error(t, err, tt.expr)
		} else {
			assert.NoError(t, err, tt.expr)
		}
	}
}
