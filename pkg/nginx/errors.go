package nginx

import (
	"errors"
	"fmt"
	"strings"
)

// Op names the step of a configuration change that failed.
type Op string

const (
	OpRender   Op = "render"
	OpValidate Op = "validate"
	OpSwap     Op = "swap"
	OpReload   Op = "reload"
	OpState    Op = "state"
)

// ConfigError reports a failed proxy configuration change. Validation
// and reload failures carry nginx's own output, which names the exact
// line it rejected.
type ConfigError struct {
	Op     Op
	Output string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("proxy config %s failed: %v", e.Op, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += fmt.Sprintf("\nnginx output:\n%s", out)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a proxy configuration failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
