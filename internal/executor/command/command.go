// Package command runs external tools (ffmpeg, yt-dlp, whisper.cpp) for the
// stage executors.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ChuLiYu/clipflow/internal/pipeline"
)

// Runner defines the interface for executing external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Error is returned when a command could not start or exited non-zero.
type Error struct {
	Name   string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command '%s' failed: %v\nstderr: %s", e.Name, e.Err, e.Stderr)
	}
	return fmt.Sprintf("command '%s' failed: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports whether the binary could not be located.
func (e *Error) NotFound() bool {
	return errors.Is(e.Err, exec.ErrNotFound)
}

type execRunner struct {
	dir string
}

// New creates a Runner backed by os/exec.
func New() Runner {
	return &execRunner{}
}

// NewInDir creates a Runner whose commands start in dir.
func NewInDir(dir string) Runner {
	return &execRunner{dir: dir}
}

// Run executes name with args and returns its stdout. Stderr is attached to
// the returned *Error.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return stdout.String(), &Error{Name: name, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}

// StageError classifies a tool failure for the scheduler. An expired or
// cancelled context is transient; a missing binary or a non-zero exit is
// permanent because rerunning the same input gives the same result.
func StageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pipeline.Transient(fmt.Errorf("%s: %w", stage, err))
	}
	var cmdErr *Error
	if errors.As(err, &cmdErr) && cmdErr.NotFound() {
		return pipeline.Permanentf("%s: %s not installed", stage, cmdErr.Name)
	}
	return pipeline.Permanent(fmt.Errorf("%s: %w", stage, err))
}

// Func adapts a function to Runner. Tests use it to fake tools.
type Func func(ctx context.Context, name string, args ...string) (string, error)

// Run calls f.
func (f Func) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f(ctx, name, args...)
}
