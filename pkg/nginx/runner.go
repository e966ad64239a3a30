package nginx

import (
	"context"
	"os/exec"
)

// Runner executes the proxy's own tooling (config validation, reload
// signaling). The proxy process itself is an external collaborator; this
// interface is the whole surface this subsystem needs from it, and it is
// injectable for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run executes the command and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}
