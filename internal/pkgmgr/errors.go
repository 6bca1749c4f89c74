package pkgmgr

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the package adapter.
var (
	ErrInstallFailed   = errors.New("plugin install failed")
	ErrUninstallFailed = errors.New("plugin uninstall failed")
	ErrInfoUnavailable = errors.New("plugin info unavailable")
	ErrNoPackages      = errors.New("no package names given")
)

// CommandError reports a package-manager run that exited non-zero or could
// not be started. Output is the combined stdout/stderr, verbatim.
type CommandError struct {
	Mode     Mode
	Names    []string
	ExitCode int
	Output   string
	Err      error // set when the process could not be run

	kind error
}

// Error returns the captured output verbatim so callers can show the
// package manager's own diagnostics.
func (e *CommandError) Error() string {
	if out := strings.TrimSpace(e.Output); out != "" {
		return e.Output
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Mode, strings.Join(e.Names, " "), e.Err)
	}
	return fmt.Sprintf("%s %s exited with code %d", e.Mode, strings.Join(e.Names, " "), e.ExitCode)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is matches ErrInstallFailed or ErrUninstallFailed depending on the job.
func (e *CommandError) Is(target error) bool { return target == e.kind }
