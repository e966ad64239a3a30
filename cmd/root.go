package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/torrust/tracker-certs/pkg/acme"
	"github.com/torrust/tracker-certs/pkg/dnscheck"
	"github.com/torrust/tracker-certs/pkg/renewal"
	"github.com/torrust/tracker-certs/pkg/resilience"
	"github.com/torrust/tracker-certs/pkg/telemetry"
)

// Exit codes. Scripts driving this tool branch on these.
const (
	exitOK         = 0
	exitValidation = 1 // DNS or configuration validation failed
	exitCA         = 2 // certificate authority failure
	exitLocked     = 3 // another run holds the renewal lock
)

var (
	cfgFile string
	verbose bool
	// Version, GitCommit, and BuildTime are set via ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tracker-certs",
	Short: "Certificate lifecycle automation for a tracker deployment",
	Long: `tracker-certs automates HTTPS for a BitTorrent tracker deployment:
it validates DNS, obtains certificates from an ACME certificate authority,
switches the nginx reverse proxy from HTTP to HTTPS atomically, and keeps
certificates renewed unattended via cron.

All hostnames of the deployment share one certificate bundle behind one
nginx instance.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// GetVersionInfo returns formatted version information
func GetVersionInfo() string {
	info := fmt.Sprintf("tracker-certs %s", Version)
	if GitCommit != "unknown" && GitCommit != "" {
		info += fmt.Sprintf(" (commit: %s)", GitCommit)
	}
	if BuildTime != "unknown" && BuildTime != "" {
		info += fmt.Sprintf("\nBuilt: %s", BuildTime)
	}
	return info
}

// Execute runs the root command and exits with a code scripts can branch
// on: 0 success, 1 validation failure, 2 CA failure, 3 lock conflict.
func Execute() {
	if err := telemetry.Init(telemetry.DefaultConfig()); err != nil && verbose {
		fmt.Fprintln(os.Stderr, "Warning: tracing disabled:", err)
	}

	err := rootCmd.Execute()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = telemetry.Shutdown(shutdownCtx)

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes.
func exitCode(err error) int {
	if errors.Is(err, renewal.ErrAlreadyRunning) {
		return exitLocked
	}
	if acme.IsIssuanceError(err) || errors.Is(err, resilience.ErrCircuitOpen) {
		return exitCA
	}
	if dnscheck.IsDNSError(err) {
		return exitValidation
	}
	return exitValidation
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.SetVersionTemplate(fmt.Sprintf(`tracker-certs {{.Version}}
Commit:  %s
Built:   %s
`, GitCommit, BuildTime))

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./certs.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// findEnvFile searches for .env file in current directory and parent directories
func findEnvFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Search up to 10 levels up
	for i := 0; i < 10; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return ""
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	// Load .env file from current or parent directories
	envFile := findEnvFile()
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for certs.yaml in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("certs")
	}

	viper.AutomaticEnv() // read in environment variables that match
	viper.SetEnvPrefix("TRACKER_CERTS")

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// configPath returns the configuration file path for loading and for
// embedding in the cron entry.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "certs.yaml"
}
