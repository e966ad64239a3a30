// Package renewal keeps issued certificates from expiring without
// operator involvement. A cron drop-in triggers unattended runs; each
// run is guarded by a filesystem lock so overlapping ticks never race,
// and a failed run leaves the serving bundle untouched so the proxy
// keeps serving the still-valid certificate.
package renewal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/torrust/tracker-certs/pkg/certstore"
	"github.com/torrust/tracker-certs/pkg/fsutil"
	"github.com/torrust/tracker-certs/pkg/nginx"
	"github.com/torrust/tracker-certs/pkg/notification"
	"github.com/torrust/tracker-certs/pkg/resilience"
)

// Issuer is the certificate issuance surface renewal needs.
type Issuer interface {
	Renew(ctx context.Context, current *certstore.Bundle) (*certstore.Bundle, error)
}

// Proxy is the proxy reconfiguration surface renewal needs.
type Proxy interface {
	Apply(ctx context.Context, state nginx.State, bundle *certstore.Bundle) error
}

// RunStatus is the outcome class of one renewal run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Skip reasons recorded on RunSkipped outcomes.
const (
	SkipAlreadyRunning = "already_running"
	SkipNotDue         = "not_due"
)

// Outcome describes one renewal run for the job record and the caller.
type Outcome struct {
	Status     RunStatus `json:"status"`
	SkipReason string    `json:"skip_reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	// ExpiredServing is set when the run found the serving bundle
	// already past expiry, which means downtime until a renewal
	// succeeds. Surfaced so callers can alert loudly.
	ExpiredServing bool `json:"expired_serving,omitempty"`

	// Err carries the causal error on failed runs so callers can map it
	// to exit codes. Not persisted; the job record keeps Detail.
	Err error `json:"-"`

	// caFailure marks a failure of the CA call itself, as opposed to a
	// proxy or bookkeeping failure. Only these count toward the
	// persisted circuit trip.
	caFailure bool
}

// Job is the persisted record of the scheduled renewal for one hostname
// set.
type Job struct {
	Hostnames  []string  `json:"hostnames"`
	Schedule   string    `json:"schedule"`
	CronPath   string    `json:"cron_path"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastResult *Outcome  `json:"last_result,omitempty"`

	// ConsecutiveFailures and LastFailure persist the circuit trip
	// across processes. Each cron tick is a fresh process, so the
	// in-memory breaker alone never accumulates failures between ticks.
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// Config carries the scheduler's tunables.
type Config struct {
	// Project names the deployment in notifications.
	Project   string
	Hostnames []string
	Schedule  string
	// RenewBefore is how long before expiry a bundle becomes due.
	RenewBefore time.Duration
	// CronDir is where the cron drop-in is written, normally /etc/cron.d.
	CronDir string
	// StateDir holds the job record and the run lock.
	StateDir string
	// ConfigPath is the configuration file the cron entry passes back to
	// the renew command.
	ConfigPath string
	// LockStaleAfter is how old a lock may be before a new run breaks it.
	LockStaleAfter time.Duration
}

// Scheduler manages the unattended renewal job for one hostname set.
type Scheduler struct {
	cfg      Config
	store    *certstore.Store
	issuer   Issuer
	proxy    Proxy
	breaker  *resilience.Breaker
	notifier *notification.Notifier

	now func() time.Time
}

// Circuit-trip policy for the CA call: after this many consecutive CA
// failures renewal backs off for the open window before probing again.
// The trip is persisted in the job record so it holds across the
// one-process-per-tick cron deployment; the in-memory breaker enforces
// the same policy for long-lived embedders calling RunOnce repeatedly.
const (
	breakerFailureThreshold = 3
	breakerOpenTimeout      = 6 * time.Hour
)

// NewScheduler creates a renewal scheduler. The circuit breaker wraps
// the CA call so a misbehaving CA is not hammered twice a day after it
// starts failing.
func NewScheduler(cfg Config, store *certstore.Store, issuer Issuer, proxy Proxy) (*Scheduler, error) {
	if len(cfg.Hostnames) == 0 {
		return nil, fmt.Errorf("at least one hostname is required")
	}
	if store == nil || issuer == nil || proxy == nil {
		return nil, fmt.Errorf("store, issuer and proxy are required")
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 30 * 24 * time.Hour
	}
	if cfg.LockStaleAfter <= 0 {
		cfg.LockStaleAfter = time.Hour
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		issuer: issuer,
		proxy:  proxy,
		breaker: resilience.NewBreaker("acme-renewal",
			resilience.WithFailureThreshold(breakerFailureThreshold),
			resilience.WithOpenTimeout(breakerOpenTimeout)),
		now: time.Now,
	}, nil
}

// SetNotifier installs a webhook notifier for run outcomes. Nil disables
// notifications.
func (s *Scheduler) SetNotifier(n *notification.Notifier) {
	s.notifier = n
}

// Register installs the cron drop-in and persists the job record. The
// operation is idempotent: registering an already-registered job
// rewrites both artifacts in place.
func (s *Scheduler) Register(binPath string) error {
	if s.cfg.CronDir == "" {
		return fmt.Errorf("cron dir is required")
	}
	if s.cfg.Schedule == "" {
		return fmt.Errorf("schedule is required")
	}
	if binPath == "" {
		return fmt.Errorf("binary path is required")
	}

	cronPath := filepath.Join(s.cfg.CronDir, "tracker-certs-renew")
	entry := fmt.Sprintf(
		"# Unattended certificate renewal for %s. Managed by tracker-certs.\n"+
			"SHELL=/bin/sh\n"+
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin\n"+
			"%s root %s renew --config %s >> /var/log/tracker-certs-renew.log 2>&1\n",
		primaryOf(s.cfg.Hostnames), s.cfg.Schedule, binPath, s.cfg.ConfigPath)

	if err := fsutil.WriteFileAtomic(cronPath, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("failed to write cron entry: %w", err)
	}

	job := &Job{
		Hostnames: s.cfg.Hostnames,
		Schedule:  s.cfg.Schedule,
		CronPath:  cronPath,
	}
	if existing, err := s.LoadJob(); err == nil && existing != nil {
		job.LastRun = existing.LastRun
		job.LastResult = existing.LastResult
		job.ConsecutiveFailures = existing.ConsecutiveFailures
		job.LastFailure = existing.LastFailure
	}
	return s.saveJob(job)
}

// Deregister removes the cron drop-in and the job record. Missing
// artifacts are not an error: deregistering twice is fine.
func (s *Scheduler) Deregister() error {
	job, err := s.LoadJob()
	if err != nil {
		return err
	}
	cronPath := filepath.Join(s.cfg.CronDir, "tracker-certs-renew")
	if job != nil && job.CronPath != "" {
		cronPath = job.CronPath
	}
	if err := os.Remove(cronPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cron entry: %w", err)
	}
	if err := os.Remove(s.jobPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove job record: %w", err)
	}
	return nil
}

// LoadJob returns the persisted job record, or nil when no job is
// registered.
func (s *Scheduler) LoadJob() (*Job, error) {
	data, err := os.ReadFile(s.jobPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job record: %w", err)
	}
	return &job, nil
}

// RunOnce performs a single renewal pass: acquire the run lock, decide
// whether the bundle is due, renew against the CA and apply the new
// bundle to the proxy. A concurrent run yields a Skipped outcome, not an
// error. On any failure the serving bundle and proxy configuration are
// left exactly as they were.
func (s *Scheduler) RunOnce(ctx context.Context) (*Outcome, error) {
	lock, err := acquireLock(s.lockDir(), "renewal", s.cfg.LockStaleAfter, s.now())
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return &Outcome{Status: RunSkipped, SkipReason: SkipAlreadyRunning}, ErrAlreadyRunning
		}
		return nil, err
	}
	defer lock.release()

	outcome := s.renew(ctx)
	if err := s.recordRun(outcome); err != nil {
		// Recording is best-effort; the renewal itself already settled.
		outcome.Detail = fmt.Sprintf("%s (job record update failed: %v)", outcome.Detail, err)
	}
	s.notify(outcome)
	if outcome.Status == RunFailed {
		if outcome.Err != nil {
			// Keep the causal error reachable for errors.As/Is: the CLI
			// maps CA failures to their own exit code.
			return outcome, fmt.Errorf("renewal failed: %w", outcome.Err)
		}
		return outcome, fmt.Errorf("renewal failed: %s", outcome.Detail)
	}
	return outcome, nil
}

// notify pushes the run outcome to the configured webhook channels.
// Delivery failures are swallowed: notifications must never fail a run.
func (s *Scheduler) notify(outcome *Outcome) {
	if s.notifier == nil {
		return
	}
	if outcome.ExpiredServing {
		_ = s.notifier.Notify(notification.CertExpiredEvent(s.cfg.Project, s.cfg.Hostnames))
	}
	switch outcome.Status {
	case RunFailed:
		cause := outcome.Err
		if cause == nil {
			cause = errors.New(outcome.Detail)
		}
		_ = s.notifier.Notify(notification.RenewalFailedEvent(s.cfg.Project, s.cfg.Hostnames, cause))
	case RunSucceeded:
		_ = s.notifier.Notify(notification.Event{
			Type:      notification.EventRenewalSucceeded,
			Project:   s.cfg.Project,
			Hostnames: s.cfg.Hostnames,
			Message:   outcome.Detail,
		})
	}
}

func (s *Scheduler) renew(ctx context.Context) *Outcome {
	current, err := s.store.Load(s.cfg.Hostnames)
	if err != nil {
		return &Outcome{Status: RunFailed, Err: err,
			Detail: fmt.Sprintf("failed to load bundle: %v", err)}
	}
	if current == nil {
		return &Outcome{Status: RunFailed,
			Detail: fmt.Sprintf("no bundle covers %v; run setup first", s.cfg.Hostnames)}
	}

	now := s.now()
	expired := current.Expired(now)
	if !expired && !current.ExpiresWithin(now, s.cfg.RenewBefore) {
		return &Outcome{Status: RunSkipped, SkipReason: SkipNotDue,
			Detail: fmt.Sprintf("valid for another %s", current.RemainingValidity(now).Round(time.Hour))}
	}

	if err := s.tripped(now); err != nil {
		return &Outcome{Status: RunFailed, ExpiredServing: expired, Err: err,
			Detail: err.Error()}
	}

	var renewed *certstore.Bundle
	err = s.breaker.Execute(func() error {
		var renewErr error
		renewed, renewErr = s.issuer.Renew(ctx, current)
		return renewErr
	})
	if err != nil {
		return &Outcome{Status: RunFailed, ExpiredServing: expired, Err: err,
			// Open-circuit rejections never reached the CA; only real CA
			// failures advance the persisted trip counter.
			caFailure: !errors.Is(err, resilience.ErrCircuitOpen),
			Detail:    fmt.Sprintf("issuance failed: %v", err)}
	}

	if err := s.proxy.Apply(ctx, nginx.StateHTTPSActive, renewed); err != nil {
		return &Outcome{Status: RunFailed, ExpiredServing: expired, Err: err,
			Detail: fmt.Sprintf("proxy reload with renewed bundle failed: %v", err)}
	}

	return &Outcome{Status: RunSucceeded, ExpiredServing: expired,
		Detail: fmt.Sprintf("renewed through %s", renewed.NotAfter.Format(time.RFC3339))}
}

// tripped reports whether the persisted circuit is open: enough
// consecutive CA failures recorded in the job record, with the open
// window not yet elapsed. Without a registered job there is nothing
// persisted and the in-memory breaker alone applies.
func (s *Scheduler) tripped(now time.Time) error {
	job, err := s.LoadJob()
	if err != nil || job == nil {
		return nil
	}
	if job.ConsecutiveFailures < breakerFailureThreshold {
		return nil
	}
	if now.Sub(job.LastFailure) >= breakerOpenTimeout {
		return nil
	}
	return fmt.Errorf("%w: %d consecutive CA failures, last at %s",
		resilience.ErrCircuitOpen, job.ConsecutiveFailures,
		job.LastFailure.Format(time.RFC3339))
}

func (s *Scheduler) recordRun(outcome *Outcome) error {
	job, err := s.LoadJob()
	if err != nil {
		return err
	}
	if job == nil {
		// Manual run without a registered job; nothing to record.
		return nil
	}
	job.LastRun = s.now().UTC()
	job.LastResult = outcome
	switch {
	case outcome.caFailure:
		job.ConsecutiveFailures++
		job.LastFailure = job.LastRun
	case outcome.Status == RunSucceeded:
		job.ConsecutiveFailures = 0
		job.LastFailure = time.Time{}
	}
	return s.saveJob(job)
}

func (s *Scheduler) saveJob(job *Job) error {
	if err := os.MkdirAll(s.renewalDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create renewal state dir: %w", err)
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.jobPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write job record: %w", err)
	}
	return nil
}

func (s *Scheduler) renewalDir() string { return filepath.Join(s.cfg.StateDir, "renewal") }
func (s *Scheduler) lockDir() string    { return filepath.Join(s.renewalDir(), "locks") }
func (s *Scheduler) jobPath() string    { return filepath.Join(s.renewalDir(), "job.json") }

func primaryOf(hostnames []string) string {
	if len(hostnames) == 0 {
		return ""
	}
	return hostnames[0]
}
