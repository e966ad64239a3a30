// Package nginx renders and applies the reverse proxy configuration for
// the tracker deployment's hostname set. Configuration changes are
// staged, validated with nginx's own checker, swapped atomically and
// then signaled with a reload. The running proxy never restarts:
// connections in flight are not dropped.
package nginx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/torrust/tracker-certs/pkg/certstore"
	"github.com/torrust/tracker-certs/pkg/fsutil"
)

// Manager owns one nginx configuration file and the persisted record of
// which variant (HTTP-only or HTTPS) is live.
type Manager struct {
	routes   []Route
	confPath string
	webroot  string
	stateDir string
	nginxBin string
	runner   Runner

	now func() time.Time
}

// NewManager creates a proxy configuration manager.
func NewManager(routes []Route, confPath, webroot, stateDir, nginxBin string, runner Runner) (*Manager, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("at least one route is required")
	}
	if confPath == "" || webroot == "" || stateDir == "" {
		return nil, fmt.Errorf("conf path, webroot and state dir are required")
	}
	if nginxBin == "" {
		nginxBin = "nginx"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Manager{
		routes:   routes,
		confPath: confPath,
		webroot:  webroot,
		stateDir: stateDir,
		nginxBin: nginxBin,
		runner:   runner,
		now:      time.Now,
	}, nil
}

// Apply moves the live configuration to the target state. The sequence
// is render → validate staged artifact → atomic swap → reload. If the
// reload signal fails, the previous artifact is restored before the
// error returns, so the live configuration reference never points at a
// file the running proxy has not acknowledged. The persisted state is
// updated only after the proxy acknowledged the new configuration; if
// that record cannot be written, the swap is undone as well so the state
// file and the live configuration never disagree.
func (m *Manager) Apply(ctx context.Context, state State, bundle *certstore.Bundle) error {
	rendered, err := m.render(state, bundle)
	if err != nil {
		return &ConfigError{Op: OpRender, Err: err}
	}

	// Stage next to the live file so the final rename is atomic.
	staged := m.confPath + ".staged"
	if err := os.MkdirAll(filepath.Dir(m.confPath), 0o755); err != nil {
		return &ConfigError{Op: OpSwap, Err: err}
	}
	if err := os.WriteFile(staged, []byte(rendered), 0o644); err != nil {
		return &ConfigError{Op: OpSwap, Err: err}
	}
	defer os.Remove(staged)

	if out, err := m.runner.Run(ctx, m.nginxBin, "-t", "-c", staged); err != nil {
		return &ConfigError{Op: OpValidate, Output: out, Err: err}
	}

	// Remember the previous artifact for revert. Absent on first apply.
	prev, prevErr := os.ReadFile(m.confPath)
	hadPrev := prevErr == nil

	if err := os.Rename(staged, m.confPath); err != nil {
		return &ConfigError{Op: OpSwap, Err: err}
	}

	if out, err := m.runner.Run(ctx, m.nginxBin, "-s", "reload"); err != nil {
		reloadErr := &ConfigError{Op: OpReload, Output: out, Err: err}
		if hadPrev {
			if restoreErr := fsutil.WriteFileAtomic(m.confPath, prev, 0o644); restoreErr != nil {
				return &ConfigError{Op: OpReload, Output: out,
					Err: fmt.Errorf("reload failed and restoring previous config also failed: %v (restore: %w)", err, restoreErr)}
			}
		} else {
			os.Remove(m.confPath)
		}
		return reloadErr
	}

	status := &Status{State: state, AppliedAt: m.now().UTC()}
	if state == StateHTTPSActive {
		status.BundlePrimary = bundle.Primary()
	}
	if err := m.saveStatus(status); err != nil {
		// The state file must describe the configuration the proxy is
		// running; if it cannot be written, undo the swap and reload back
		// so the two stay in agreement.
		if hadPrev {
			if restoreErr := fsutil.WriteFileAtomic(m.confPath, prev, 0o644); restoreErr == nil {
				_, _ = m.runner.Run(ctx, m.nginxBin, "-s", "reload")
			}
		} else {
			os.Remove(m.confPath)
		}
		return err
	}
	return nil
}

// Rollback returns the proxy to the HTTP-only configuration. The result
// is byte-equivalent to the configuration Apply(StateHTTPOnly) produces,
// since rendering is deterministic.
func (m *Manager) Rollback(ctx context.Context) error {
	return m.Apply(ctx, StateHTTPOnly, nil)
}

// RenderPreview returns the configuration that would be applied for the
// given state without touching anything. Used by status reporting and
// tests.
func (m *Manager) RenderPreview(state State, bundle *certstore.Bundle) (string, error) {
	return m.render(state, bundle)
}
