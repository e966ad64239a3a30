package renewal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker-certs/pkg/acme"
	"github.com/torrust/tracker-certs/pkg/certstore"
	"github.com/torrust/tracker-certs/pkg/nginx"
	"github.com/torrust/tracker-certs/pkg/resilience"
)

type stubIssuer struct {
	renewed *certstore.Bundle
	err     error
	calls   int
}

func (s *stubIssuer) Renew(ctx context.Context, current *certstore.Bundle) (*certstore.Bundle, error) {
	s.calls++
	return s.renewed, s.err
}

type stubProxy struct {
	applied []nginx.State
	err     error
}

func (s *stubProxy) Apply(ctx context.Context, state nginx.State, bundle *certstore.Bundle) error {
	s.applied = append(s.applied, state)
	return s.err
}

const renewBefore = 30 * 24 * time.Hour

func newTestScheduler(t *testing.T, issuer Issuer, proxy Proxy) (*Scheduler, *certstore.Store) {
	t.Helper()
	store := certstore.NewStore(t.TempDir())
	sched, err := NewScheduler(Config{
		Hostnames:      []string{"tracker.example.com", "grafana.example.com"},
		Schedule:       "17 3,15 * * *",
		RenewBefore:    renewBefore,
		CronDir:        t.TempDir(),
		StateDir:       t.TempDir(),
		ConfigPath:     "/etc/tracker-certs/certs.yaml",
		LockStaleAfter: time.Hour,
	}, store, issuer, proxy)
	require.NoError(t, err)
	return sched, store
}

func saveBundle(t *testing.T, store *certstore.Store, notAfter time.Time) *certstore.Bundle {
	t.Helper()
	bundle := &certstore.Bundle{
		Hostnames: []string{"tracker.example.com", "grafana.example.com"},
		Mode:      certstore.ModeProduction,
		NotAfter:  notAfter,
		IssuedAt:  notAfter.Add(-90 * 24 * time.Hour),
	}
	require.NoError(t, store.Save(bundle, []byte("chain"), []byte("key"), nil))
	return bundle
}

func TestRegisterAndDeregister(t *testing.T) {
	sched, _ := newTestScheduler(t, &stubIssuer{}, &stubProxy{})

	require.NoError(t, sched.Register("/usr/local/bin/tracker-certs"))

	cronPath := filepath.Join(sched.cfg.CronDir, "tracker-certs-renew")
	entry, err := os.ReadFile(cronPath)
	require.NoError(t, err)
	assert.Contains(t, string(entry), "17 3,15 * * * root /usr/local/bin/tracker-certs renew --config /etc/tracker-certs/certs.yaml")

	job, err := sched.LoadJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, []string{"tracker.example.com", "grafana.example.com"}, job.Hostnames)
	assert.Equal(t, "17 3,15 * * *", job.Schedule)

	// Registering again is idempotent.
	require.NoError(t, sched.Register("/usr/local/bin/tracker-certs"))

	require.NoError(t, sched.Deregister())
	_, err = os.Stat(cronPath)
	assert.True(t, os.IsNotExist(err))
	job, err = sched.LoadJob()
	require.NoError(t, err)
	assert.Nil(t, job)

	// Deregistering twice is fine.
	require.NoError(t, sched.Deregister())
}

func TestRunOnceRenewsDueBundle(t *testing.T) {
	now := time.Now()
	renewed := &certstore.Bundle{
		Hostnames: []string{"tracker.example.com", "grafana.example.com"},
		NotAfter:  now.Add(90 * 24 * time.Hour),
	}
	issuer := &stubIssuer{renewed: renewed}
	proxy := &stubProxy{}
	sched, store := newTestScheduler(t, issuer, proxy)

	// Due: inside the renew-before window.
	saveBundle(t, store, now.Add(10*24*time.Hour))

	outcome, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, outcome.Status)
	assert.False(t, outcome.ExpiredServing)
	assert.Equal(t, 1, issuer.calls)
	assert.Equal(t, []nginx.State{nginx.StateHTTPSActive}, proxy.applied)
}

func TestRunOnceSkipsWhenNotDue(t *testing.T) {
	issuer := &stubIssuer{}
	proxy := &stubProxy{}
	sched, store := newTestScheduler(t, issuer, proxy)

	saveBundle(t, store, time.Now().Add(60*24*time.Hour))

	outcome, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSkipped, outcome.Status)
	assert.Equal(t, SkipNotDue, outcome.SkipReason)
	assert.Zero(t, issuer.calls, "CA is not contacted when nothing is due")
	assert.Empty(t, proxy.applied)
}

func TestRunOnceFailureLeavesServingBundle(t *testing.T) {
	issuer := &stubIssuer{err: errors.New("acme: challenge failed")}
	proxy := &stubProxy{}
	sched, store := newTestScheduler(t, issuer, proxy)

	current := saveBundle(t, store, time.Now().Add(10*24*time.Hour))

	outcome, err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, RunFailed, outcome.Status)
	assert.Empty(t, proxy.applied, "proxy untouched on failure")

	// The stored bundle is exactly the one from before the run.
	loaded, err := store.Load(current.Hostnames)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, current.NotAfter.Equal(loaded.NotAfter))
}

func TestRunOnceFailureKeepsIssuanceErrorReachable(t *testing.T) {
	issuer := &stubIssuer{err: &acme.IssuanceError{
		Reason: acme.ReasonRateLimited,
		Err:    errors.New("too many certificates already issued"),
	}}
	sched, store := newTestScheduler(t, issuer, &stubProxy{})
	saveBundle(t, store, time.Now().Add(10*24*time.Hour))

	outcome, err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, RunFailed, outcome.Status)

	// The CLI maps CA failures to their own exit code, so the typed
	// error must survive the outcome plumbing.
	var ie *acme.IssuanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, acme.ReasonRateLimited, ie.Reason)
}

func TestRunOnceOpenCircuitSkipsCA(t *testing.T) {
	issuer := &stubIssuer{err: errors.New("connection refused")}
	sched, store := newTestScheduler(t, issuer, &stubProxy{})
	saveBundle(t, store, time.Now().Add(10*24*time.Hour))
	require.NoError(t, sched.Register("/usr/local/bin/tracker-certs"))

	// Enough failed ticks recorded by earlier processes to trip the
	// circuit, with the open window still running.
	job, err := sched.LoadJob()
	require.NoError(t, err)
	job.ConsecutiveFailures = breakerFailureThreshold
	job.LastFailure = time.Now().Add(-time.Hour)
	require.NoError(t, sched.saveJob(job))

	_, err = sched.RunOnce(context.Background())
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Zero(t, issuer.calls, "CA is not contacted while the circuit is open")

	// A rejected run does not extend the open window.
	job, err = sched.LoadJob()
	require.NoError(t, err)
	assert.Equal(t, breakerFailureThreshold, job.ConsecutiveFailures)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), job.LastFailure, time.Minute)
}

func TestRunOnceProbesAfterOpenWindow(t *testing.T) {
	renewed := &certstore.Bundle{
		Hostnames: []string{"tracker.example.com", "grafana.example.com"},
		NotAfter:  time.Now().Add(90 * 24 * time.Hour),
	}
	issuer := &stubIssuer{renewed: renewed}
	sched, store := newTestScheduler(t, issuer, &stubProxy{})
	saveBundle(t, store, time.Now().Add(10*24*time.Hour))
	require.NoError(t, sched.Register("/usr/local/bin/tracker-certs"))

	job, err := sched.LoadJob()
	require.NoError(t, err)
	job.ConsecutiveFailures = breakerFailureThreshold
	job.LastFailure = time.Now().Add(-breakerOpenTimeout - time.Hour)
	require.NoError(t, sched.saveJob(job))

	outcome, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, outcome.Status)
	assert.Equal(t, 1, issuer.calls, "the open window has elapsed; the CA is probed again")

	// Success closes the circuit.
	job, err = sched.LoadJob()
	require.NoError(t, err)
	assert.Zero(t, job.ConsecutiveFailures)
	assert.True(t, job.LastFailure.IsZero())
}

func TestRunOnceCountsConsecutiveCAFailures(t *testing.T) {
	issuer := &stubIssuer{err: errors.New("connection refused")}
	sched, store := newTestScheduler(t, issuer, &stubProxy{})
	saveBundle(t, store, time.Now().Add(10*24*time.Hour))
	require.NoError(t, sched.Register("/usr/local/bin/tracker-certs"))

	_, err := sched.RunOnce(context.Background())
	require.Error(t, err)

	job, err := sched.LoadJob()
	require.NoError(t, err)
	assert.Equal(t, 1, job.ConsecutiveFailures)
	assert.False(t, job.LastFailure.IsZero())
}

func TestRunOnceProxyFailureReportsFailed(t *testing.T) {
	renewed := &certstore.Bundle{
		Hostnames: []string{"tracker.example.com", "grafana.example.com"},
		NotAfter:  time.Now().Add(90 * 24 * time.Hour),
	}
	issuer := &stubIssuer{renewed: renewed}
	proxy := &stubProxy{err: errors.New("nginx reload failed")}
	sched, store := newTestScheduler(t, issuer, proxy)

	saveBundle(t, store, time.Now().Add(10*24*time.Hour))

	outcome, err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, RunFailed, outcome.Status)
	assert.Contains(t, outcome.Detail, "reload")
}

func TestRunOnceNoBundleFails(t *testing.T) {
	sched, _ := newTestScheduler(t, &stubIssuer{}, &stubProxy{})

	outcome, err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, RunFailed, outcome.Status)
	assert.Contains(t, outcome.Detail, "setup")
}

func TestRunOnceFlagsExpiredServingBundle(t *testing.T) {
	renewed := &certstore.Bundle{
		Hostnames: []string{"tracker.example.com", "grafana.example.com"},
		NotAfter:  time.Now().Add(90 * 24 * time.Hour),
	}
	sched, store := newTestScheduler(t, &stubIssuer{renewed: renewed}, &stubProxy{})

	// Already expired: renewal still proceeds, but the outcome alerts.
	saveBundle(t, store, time.Now().Add(-24*time.Hour))

	outcome, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, outcome.Status)
	assert.True(t, outcome.ExpiredServing)
}

func TestRunOnceLockConflict(t *testing.T) {
	sched, store := newTestScheduler(t, &stubIssuer{}, &stubProxy{})
	saveBundle(t, store, time.Now().Add(10*24*time.Hour))

	// Simulate a concurrent run holding the lock.
	held, err := acquireLock(sched.lockDir(), "renewal", time.Hour, time.Now())
	require.NoError(t, err)
	defer held.release()

	outcome, err := sched.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.NotNil(t, outcome)
	assert.Equal(t, RunSkipped, outcome.Status)
	assert.Equal(t, SkipAlreadyRunning, outcome.SkipReason)
}

func TestRunOnceBreaksStaleLock(t *testing.T) {
	renewed := &certstore.Bundle{
		Hostnames: []string{"tracker.example.com", "grafana.example.com"},
		NotAfter:  time.Now().Add(90 * 24 * time.Hour),
	}
	sched, store := newTestScheduler(t, &stubIssuer{renewed: renewed}, &stubProxy{})
	saveBundle(t, store, time.Now().Add(10*24*time.Hour))

	// A lock from a crashed run two hours ago is stale at one hour.
	stale, err := acquireLock(sched.lockDir(), "renewal", time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_ = stale // never released; simulates a crash

	outcome, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, outcome.Status)
}

func TestRunOnceRecordsOutcome(t *testing.T) {
	renewed := &certstore.Bundle{
		Hostnames: []string{"tracker.example.com", "grafana.example.com"},
		NotAfter:  time.Now().Add(90 * 24 * time.Hour),
	}
	sched, store := newTestScheduler(t, &stubIssuer{renewed: renewed}, &stubProxy{})
	saveBundle(t, store, time.Now().Add(10*24*time.Hour))
	require.NoError(t, sched.Register("/usr/local/bin/tracker-certs"))

	_, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	job, err := sched.LoadJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.False(t, job.LastRun.IsZero())
	require.NotNil(t, job.LastResult)
	assert.Equal(t, RunSucceeded, job.LastResult.Status)
}

func TestLockReleaseOnlyOwnToken(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireLock(dir, "renewal", time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	// Second caller breaks the stale lock and takes over.
	second, err := acquireLock(dir, "renewal", time.Hour, time.Now())
	require.NoError(t, err)

	// The first holder's release must not remove the new holder's lock.
	require.NoError(t, first.release())
	_, err = acquireLock(dir, "renewal", time.Hour, time.Now())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, second.release())
	third, err := acquireLock(dir, "renewal", time.Hour, time.Now())
	require.NoError(t, err)
	require.NoError(t, third.release())
}
