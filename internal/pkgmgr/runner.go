package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/valyala/bytebufferpool"
)

// Runner executes the package manager.
type Runner interface {
	// Run executes name with args inside dir and returns its exit code and
	// combined stdout/stderr. err is non-nil only when the process could not
	// be run at all (missing executable, cancelled context).
	Run(ctx context.Context, dir, name string, args ...string) (exitCode int, output []byte, err error)
}

// ExecRunner runs commands as OS subprocesses.
type ExecRunner struct {
	// Env is appended to the inherited environment.
	Env []string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)

	// Stdout and Stderr share one writer so exec serializes their writes.
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	cmd.Stdout = buf
	cmd.Stderr = buf

	err := cmd.Run()
	output := append([]byte(nil), buf.B...)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, output, nil
	case ctx.Err() != nil:
		return -1, output, fmt.Errorf("%s %v: %w", name, args, ctx.Err())
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), output, nil
	default:
		return -1, output, fmt.Errorf("failed to run %s: %w", name, err)
	}
}
