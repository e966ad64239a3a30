// Package lifecycle sequences the full certificate rollout for a
// deployment: DNS readiness, issuance, proxy activation and renewal
// scheduling. Each step either completes or the deployment is left in
// the last known-good state; a failure names the step that stopped the
// rollout.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/torrust/tracker-certs/pkg/certstore"
	"github.com/torrust/tracker-certs/pkg/nginx"
	"github.com/torrust/tracker-certs/pkg/renewal"
	"github.com/torrust/tracker-certs/pkg/telemetry"
)

// Step identifies one phase of the rollout.
type Step string

const (
	StepDNS       Step = "dns_validation"
	StepRehearsal Step = "staging_rehearsal"
	StepIssue     Step = "issuance"
	StepApply     Step = "proxy_activation"
	StepSchedule  Step = "renewal_scheduling"
)

// ErrAborted is returned when the operator declines the production
// confirmation gate.
var ErrAborted = errors.New("setup aborted by operator")

// Error reports which rollout step failed.
type Error struct {
	Step Step
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("setup failed at %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DNSValidator is the readiness gate surface.
type DNSValidator interface {
	ValidateAll(ctx context.Context, hostnames []string, expected string, maxWait, pollInterval time.Duration) error
}

// Issuer is the certificate issuance surface.
type Issuer interface {
	Issue(ctx context.Context, hostnames []string) (*certstore.Bundle, error)
	Mode() certstore.IssuerMode
}

// Proxy is the reverse proxy reconfiguration surface.
type Proxy interface {
	Apply(ctx context.Context, state nginx.State, bundle *certstore.Bundle) error
	Rollback(ctx context.Context) error
	Status() (*nginx.Status, error)
}

// Scheduler is the renewal registration surface.
type Scheduler interface {
	Register(binPath string) error
	Deregister() error
	LoadJob() (*renewal.Job, error)
}

// Rehearsal performs a trial issuance against the staging CA. The
// rehearsal bundle is throwaway: it proves the challenge path works
// without spending production rate limits, and is never activated.
type Rehearsal func(ctx context.Context, hostnames []string) error

// Options wires an Orchestrator.
type Options struct {
	Hostnames    []string
	ExpectedIP   string
	MaxWait      time.Duration
	PollInterval time.Duration

	DNS       DNSValidator
	Issuer    Issuer
	Proxy     Proxy
	Scheduler Scheduler
	Store     *certstore.Store

	// Rehearse runs before production issuance when set. Ignored for
	// non-production modes.
	Rehearse Rehearsal

	// Confirm gates production issuance after a successful rehearsal.
	// Nil means proceed without asking.
	Confirm func(prompt string) (bool, error)

	// BinPath is the binary the renewal cron entry invokes.
	BinPath string

	// Out receives progress output. Defaults to stdout.
	Out io.Writer
}

// Orchestrator runs the certificate lifecycle for one hostname set.
type Orchestrator struct {
	opts Options
	out  io.Writer
}

// NewOrchestrator creates a lifecycle orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if len(opts.Hostnames) == 0 {
		return nil, fmt.Errorf("at least one hostname is required")
	}
	if opts.Issuer == nil || opts.Proxy == nil || opts.Scheduler == nil || opts.Store == nil {
		return nil, fmt.Errorf("issuer, proxy, scheduler and store are required")
	}
	if opts.Issuer.Mode().RequiresDNSValidation() {
		if opts.DNS == nil {
			return nil, fmt.Errorf("dns validator is required for %s mode", opts.Issuer.Mode())
		}
		if opts.ExpectedIP == "" {
			return nil, fmt.Errorf("expected IP is required for %s mode", opts.Issuer.Mode())
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Orchestrator{opts: opts, out: out}, nil
}

// Setup runs the full rollout: DNS gate, optional staging rehearsal and
// confirmation, issuance, HTTPS activation and renewal registration. On
// success the proxy serves HTTPS for every hostname and the renewal job
// is registered. A failure after activation rolls the proxy back so the
// deployment never stays half-configured.
func (o *Orchestrator) Setup(ctx context.Context) (*certstore.Bundle, error) {
	mode := o.opts.Issuer.Mode()
	fmt.Fprintf(o.out, "Setting up certificates for %v (%s mode)\n\n", o.opts.Hostnames, mode)

	if mode.RequiresDNSValidation() {
		if err := o.validateDNS(ctx); err != nil {
			return nil, &Error{Step: StepDNS, Err: err}
		}
	} else {
		fmt.Fprintf(o.out, "⏭  DNS validation skipped (%s mode)\n", mode)
	}

	if mode == certstore.ModeProduction && o.opts.Rehearse != nil {
		if err := o.rehearse(ctx); err != nil {
			return nil, err
		}
	}

	bundle, err := o.issue(ctx)
	if err != nil {
		return nil, &Error{Step: StepIssue, Err: err}
	}

	if err := o.activate(ctx, bundle); err != nil {
		return nil, &Error{Step: StepApply, Err: err}
	}

	if err := o.schedule(ctx); err != nil {
		// Serving HTTPS without renewal is a silent future outage, so
		// the activation is undone rather than left half-done.
		if rbErr := o.opts.Proxy.Rollback(ctx); rbErr != nil {
			return nil, &Error{Step: StepSchedule,
				Err: fmt.Errorf("%v (rollback also failed: %w)", err, rbErr)}
		}
		return nil, &Error{Step: StepSchedule, Err: err}
	}

	fmt.Fprintf(o.out, "\n✓ Setup complete: HTTPS active for %v, renewal scheduled\n", o.opts.Hostnames)
	return bundle, nil
}

func (o *Orchestrator) validateDNS(ctx context.Context) error {
	fmt.Fprintf(o.out, "⏳ Validating DNS for %v → %s\n", o.opts.Hostnames, o.opts.ExpectedIP)
	ctx, span := telemetry.TraceDNSCheck(ctx, primaryOf(o.opts.Hostnames), o.opts.ExpectedIP)
	defer span.End()

	if err := o.opts.DNS.ValidateAll(ctx, o.opts.Hostnames, o.opts.ExpectedIP, o.opts.MaxWait, o.opts.PollInterval); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	fmt.Fprintf(o.out, "✓ DNS validated\n")
	return nil
}

func (o *Orchestrator) rehearse(ctx context.Context) error {
	fmt.Fprintf(o.out, "⏳ Rehearsing issuance against the staging CA\n")
	ctx, span := telemetry.TraceLifecycle(ctx, string(StepRehearsal))
	defer span.End()

	if err := o.opts.Rehearse(ctx, o.opts.Hostnames); err != nil {
		telemetry.RecordError(ctx, err)
		return &Error{Step: StepRehearsal, Err: err}
	}
	fmt.Fprintf(o.out, "✓ Staging rehearsal succeeded\n")

	if o.opts.Confirm != nil {
		ok, err := o.opts.Confirm("Proceed with production issuance? Production attempts count against CA rate limits.")
		if err != nil {
			return &Error{Step: StepRehearsal, Err: err}
		}
		if !ok {
			return ErrAborted
		}
	}
	return nil
}

func (o *Orchestrator) issue(ctx context.Context) (*certstore.Bundle, error) {
	fmt.Fprintf(o.out, "⏳ Requesting certificate for %v\n", o.opts.Hostnames)
	ctx, span := telemetry.TraceIssuance(ctx, string(o.opts.Issuer.Mode()), o.opts.Hostnames)
	defer span.End()

	bundle, err := o.opts.Issuer.Issue(ctx, o.opts.Hostnames)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	fmt.Fprintf(o.out, "✓ Certificate issued, valid until %s\n", bundle.NotAfter.Format("2006-01-02"))
	return bundle, nil
}

func (o *Orchestrator) activate(ctx context.Context, bundle *certstore.Bundle) error {
	fmt.Fprintf(o.out, "⏳ Activating HTTPS configuration\n")
	ctx, span := telemetry.TraceProxyApply(ctx, string(nginx.StateHTTPSActive))
	defer span.End()

	if err := o.opts.Proxy.Apply(ctx, nginx.StateHTTPSActive, bundle); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	fmt.Fprintf(o.out, "✓ HTTPS active\n")
	return nil
}

func (o *Orchestrator) schedule(ctx context.Context) error {
	fmt.Fprintf(o.out, "⏳ Registering unattended renewal\n")
	ctx, span := telemetry.TraceLifecycle(ctx, string(StepSchedule))
	defer span.End()

	if err := o.opts.Scheduler.Register(o.opts.BinPath); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	fmt.Fprintf(o.out, "✓ Renewal scheduled\n")
	return nil
}

// Rollback returns the deployment to HTTP-only serving and removes the
// renewal job. Certificate artifacts stay on disk so a later setup can
// reuse them.
func (o *Orchestrator) Rollback(ctx context.Context) error {
	fmt.Fprintf(o.out, "⏳ Rolling back to HTTP-only\n")
	ctx, span := telemetry.TraceLifecycle(ctx, "rollback")
	defer span.End()

	var errs []error
	if err := o.opts.Proxy.Rollback(ctx); err != nil {
		errs = append(errs, fmt.Errorf("proxy rollback: %w", err))
	}
	if err := o.opts.Scheduler.Deregister(); err != nil {
		errs = append(errs, fmt.Errorf("renewal deregistration: %w", err))
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		telemetry.RecordError(ctx, err)
		return err
	}
	fmt.Fprintf(o.out, "✓ Rolled back: proxy serves HTTP only, renewal deregistered\n")
	return nil
}

// Report is a point-in-time view of the deployment's certificate state.
type Report struct {
	ProxyState    nginx.State
	AppliedAt     time.Time
	BundlePrimary string
	Bundle        *certstore.Bundle
	Remaining     time.Duration
	Expired       bool
	Job           *renewal.Job
}

// Status collects the proxy state, the stored bundle and the renewal
// job record into one report.
func (o *Orchestrator) Status() (*Report, error) {
	proxyStatus, err := o.opts.Proxy.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy state: %w", err)
	}

	report := &Report{
		ProxyState:    proxyStatus.State,
		AppliedAt:     proxyStatus.AppliedAt,
		BundlePrimary: proxyStatus.BundlePrimary,
	}

	bundle, err := o.opts.Store.Load(o.opts.Hostnames)
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle: %w", err)
	}
	if bundle != nil {
		now := time.Now()
		report.Bundle = bundle
		report.Remaining = bundle.RemainingValidity(now)
		report.Expired = bundle.Expired(now)
	}

	job, err := o.opts.Scheduler.LoadJob()
	if err != nil {
		return nil, err
	}
	report.Job = job

	return report, nil
}

func primaryOf(hostnames []string) string {
	if len(hostnames) == 0 {
		return ""
	}
	return hostnames[0]
}
