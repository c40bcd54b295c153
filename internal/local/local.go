// Package local executes commands on the invoking machine. Everything the
// task runner does locally (nix, rsync, sops, ssh-keygen, mkpasswd, ping)
// goes through this seam so operations can be tested against a fake Execer.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
)

// Output captures a finished subprocess.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Text returns stdout as a trimmed string.
func (o Output) Text() string {
	return strings.TrimSpace(string(o.Stdout))
}

// Execer runs one structured command to completion. A non-nil error means
// the command could not be started or was cancelled; a non-zero exit status
// is reported through Output.ExitCode, not the error.
type Execer interface {
	Exec(ctx context.Context, cmd cmdutil.Command) (Output, error)
}

// Runner is the real Execer backed by os/exec.
type Runner struct {
	log zerolog.Logger
}

// NewRunner creates a Runner that logs each invocation at debug level.
func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{log: log}
}

// Exec runs the command, capturing stdout and stderr.
func (r *Runner) Exec(ctx context.Context, cmd cmdutil.Command) (Output, error) {
	if len(cmd.Argv) == 0 {
		return Output{}, errors.New("empty command")
	}

	r.log.Debug().Str("cmd", cmd.String()).Msg("exec")

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for k, v := range cmd.Env {
			c.Env = append(c.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("start %s: %w", cmd.Program(), err)
	}
	return out, nil
}

// ExecInteractive runs the command with the invoking terminal attached,
// for console sessions (ipmitool sol activate) where output capture would
// break interactivity.
func (r *Runner) ExecInteractive(ctx context.Context, cmd cmdutil.Command) error {
	if len(cmd.Argv) == 0 {
		return errors.New("empty command")
	}

	r.log.Debug().Str("cmd", cmd.String()).Msg("exec interactive")

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s: exit status %d", cmd.Program(), exitErr.ExitCode())
		}
		return fmt.Errorf("run %s: %w", cmd.Program(), err)
	}
	return nil
}

// InteractiveExecer runs commands attached to the terminal.
type InteractiveExecer interface {
	ExecInteractive(ctx context.Context, cmd cmdutil.Command) error
}

// ExecChecked runs the command and converts a non-zero exit status into an
// error carrying a stderr excerpt, for callers that cannot proceed on
// failure.
func ExecChecked(ctx context.Context, e Execer, cmd cmdutil.Command) (Output, error) {
	out, err := e.Exec(ctx, cmd)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(string(out.Stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(out.Stdout))
		}
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		return out, fmt.Errorf("%s: exit status %d: %s", cmd.Program(), out.ExitCode, msg)
	}
	return out, nil
}
