package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/torrust/tracker-certs/pkg/nginx"
)

var checkShowConfig bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration without touching the system. With
--show-nginx the HTTP-only proxy configuration that setup would stage is
printed.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkShowConfig, "show-nginx", false, "print the rendered HTTP-only nginx configuration")
}

func runCheck(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}

	fmt.Printf("✓ Configuration valid: %d route(s), %s mode\n", len(c.cfg.Routes), c.cfg.Issuer.Mode)
	for _, route := range c.cfg.Routes {
		fmt.Printf("  %s → %s\n", route.Hostname, route.Upstream)
	}

	if checkShowConfig {
		rendered, err := c.proxy.RenderPreview(nginx.StateHTTPOnly, nil)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Print(rendered)
	}
	return nil
}
