package nginx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/torrust/tracker-certs/pkg/fsutil"
)

// State names the proxy's configuration variant. The live configuration
// always corresponds to exactly one of these; a half-applied mix is
// never a persisted state.
type State string

const (
	// StateHTTPOnly serves plain HTTP plus the ACME challenge path.
	StateHTTPOnly State = "http_only"
	// StateHTTPSActive serves HTTPS with an active certificate bundle,
	// redirecting HTTP while keeping the ACME challenge path servable.
	StateHTTPSActive State = "https_active"
)

const stateFile = "proxy-state.json"

// Status is the persisted proxy configuration state. BundlePrimary
// references the active certificate bundle by its primary hostname when
// HTTPS is active.
type Status struct {
	State         State     `json:"state"`
	BundlePrimary string    `json:"bundle_primary,omitempty"`
	AppliedAt     time.Time `json:"applied_at"`
}

func (m *Manager) statePath() string {
	return filepath.Join(m.stateDir, stateFile)
}

// Status reads the persisted state. A missing state file means the
// proxy has never been touched by this tool and is HTTP-only.
func (m *Manager) Status() (*Status, error) {
	data, err := os.ReadFile(m.statePath())
	if os.IsNotExist(err) {
		return &Status{State: StateHTTPOnly}, nil
	}
	if err != nil {
		return nil, &ConfigError{Op: OpState, Err: err}
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, &ConfigError{Op: OpState, Err: fmt.Errorf("corrupt proxy state file: %w", err)}
	}
	return &status, nil
}

// saveStatus persists the state after a successful apply. Written last:
// the state file only ever describes a configuration the running proxy
// has acknowledged.
func (m *Manager) saveStatus(status *Status) error {
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return &ConfigError{Op: OpState, Err: err}
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return &ConfigError{Op: OpState, Err: err}
	}
	if err := fsutil.WriteFileAtomic(m.statePath(), data, 0o644); err != nil {
		return &ConfigError{Op: OpState, Err: err}
	}
	return nil
}
