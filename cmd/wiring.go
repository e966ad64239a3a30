package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/torrust/tracker-certs/pkg/acme"
	"github.com/torrust/tracker-certs/pkg/certstore"
	"github.com/torrust/tracker-certs/pkg/config"
	"github.com/torrust/tracker-certs/pkg/dnscheck"
	"github.com/torrust/tracker-certs/pkg/lifecycle"
	"github.com/torrust/tracker-certs/pkg/nginx"
	"github.com/torrust/tracker-certs/pkg/notification"
	"github.com/torrust/tracker-certs/pkg/renewal"
)

// components is the wired object graph every command works against.
type components struct {
	cfg       *config.Config
	store     *certstore.Store
	issuer    *acme.Issuer
	checker   *dnscheck.Checker
	proxy     *nginx.Manager
	scheduler *renewal.Scheduler
}

// buildComponents loads the configuration and wires the object graph.
func buildComponents() (*components, error) {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return nil, err
	}

	store := certstore.NewStore(cfg.StoreDir())
	mode := cfg.Mode()

	issuer, err := acme.NewIssuer(acme.Config{
		Contact:      cfg.Contact,
		Mode:         mode,
		DirectoryURL: cfg.DirectoryURL(mode),
		WebrootPath:  cfg.Proxy.Webroot,
	}, store)
	if err != nil {
		return nil, err
	}

	routes := make([]nginx.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, nginx.Route{Hostname: r.Hostname, Upstream: r.Upstream})
	}
	proxy, err := nginx.NewManager(routes, cfg.Proxy.ConfPath, cfg.Proxy.Webroot,
		cfg.Proxy.StateDir, cfg.Proxy.NginxBin, nil)
	if err != nil {
		return nil, err
	}

	scheduler, err := renewal.NewScheduler(renewal.Config{
		Project:        cfg.Project.Name,
		Hostnames:      cfg.Hostnames(),
		Schedule:       cfg.Renewal.Schedule,
		RenewBefore:    cfg.Renewal.RenewBefore.Std(),
		CronDir:        cfg.Renewal.CronDir,
		StateDir:       cfg.Proxy.StateDir,
		ConfigPath:     configPath(),
		LockStaleAfter: cfg.Renewal.LockStaleAfter.Std(),
	}, store, issuer, proxy)
	if err != nil {
		return nil, err
	}
	if cfg.Notifications.Enabled() {
		scheduler.SetNotifier(notification.NewNotifier(cfg.Notifications, verbose))
	}

	return &components{
		cfg:       cfg,
		store:     store,
		issuer:    issuer,
		checker:   dnscheck.NewChecker(cfg.DNS.Resolvers...),
		proxy:     proxy,
		scheduler: scheduler,
	}, nil
}

// buildOrchestrator wires the lifecycle orchestrator on top of the
// component graph. skipConfirm suppresses the production confirmation
// gate (the --yes flag).
func (c *components) buildOrchestrator(skipConfirm bool) (*lifecycle.Orchestrator, error) {
	binPath, err := os.Executable()
	if err != nil {
		binPath = os.Args[0]
	}

	opts := lifecycle.Options{
		Hostnames:    c.cfg.Hostnames(),
		ExpectedIP:   c.cfg.DNS.ExpectedIP,
		MaxWait:      c.cfg.DNS.MaxWait.Std(),
		PollInterval: c.cfg.DNS.PollInterval.Std(),
		DNS:          c.checker,
		Issuer:       c.issuer,
		Proxy:        c.proxy,
		Scheduler:    c.scheduler,
		Store:        c.store,
		BinPath:      binPath,
	}

	if c.cfg.Mode() == certstore.ModeProduction {
		opts.Rehearse = c.stagingRehearsal
		if !skipConfirm {
			opts.Confirm = promptConfirm
		}
	}

	return lifecycle.NewOrchestrator(opts)
}

// stagingRehearsal issues a throwaway bundle against the staging CA into
// a temporary store. The rehearsal proves the challenge path end to end
// without spending production rate limits; its artifacts are discarded
// and never activated.
func (c *components) stagingRehearsal(ctx context.Context, hostnames []string) error {
	tmpDir, err := os.MkdirTemp("", "tracker-certs-rehearsal-")
	if err != nil {
		return fmt.Errorf("failed to create rehearsal store: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	issuer, err := acme.NewIssuer(acme.Config{
		Contact:      c.cfg.Contact,
		Mode:         certstore.ModeStaging,
		DirectoryURL: c.cfg.DirectoryURL(certstore.ModeStaging),
		WebrootPath:  c.cfg.Proxy.Webroot,
	}, certstore.NewStore(tmpDir))
	if err != nil {
		return err
	}

	_, err = issuer.Issue(ctx, hostnames)
	return err
}

// promptConfirm asks on the terminal and returns the operator's answer.
func promptConfirm(prompt string) (bool, error) {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
