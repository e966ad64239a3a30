package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file name searched in the working
// directory when no --config flag is given.
const DefaultConfigFile = "certs.yaml"

// Defaults applied after decoding, before validation.
const (
	defaultMaxWait        = 5 * time.Minute
	defaultPollInterval   = 10 * time.Second
	defaultRenewBefore    = 30 * 24 * time.Hour
	defaultLockStaleAfter = time.Hour
	defaultNginxBin       = "nginx"
	defaultCronDir        = "/etc/cron.d"
	// Two slots a day, offset from the full hour so renewals from many
	// deployments don't hit the CA at the same instant.
	defaultSchedule = "17 3,15 * * *"
)

// LoadConfig loads and validates the configuration from a YAML file.
// Environment variables referenced as ${VAR} in the file are expanded; a
// .env file next to the config file is loaded first when present.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigFile
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		_ = godotenv.Load(envPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	})

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true) // error on unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DNS.MaxWait == 0 {
		c.DNS.MaxWait = Duration(defaultMaxWait)
	}
	if c.DNS.PollInterval == 0 {
		c.DNS.PollInterval = Duration(defaultPollInterval)
	}
	if c.Proxy.NginxBin == "" {
		c.Proxy.NginxBin = defaultNginxBin
	}
	if c.Renewal.Schedule == "" {
		c.Renewal.Schedule = defaultSchedule
	}
	if c.Renewal.RenewBefore == 0 {
		c.Renewal.RenewBefore = Duration(defaultRenewBefore)
	}
	if c.Renewal.CronDir == "" {
		c.Renewal.CronDir = defaultCronDir
	}
	if c.Renewal.LockStaleAfter == 0 {
		c.Renewal.LockStaleAfter = Duration(defaultLockStaleAfter)
	}
}
