package ssh

import (
	"context"
	"fmt"

	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
)

// Runner implements dispatch.Runner with one-shot SSH connections. Every
// dispatch is a fresh, independent fan-out; nothing is cached between
// invocations.
type Runner struct {
	baseConf ClientConfig
}

// NewRunner creates a Runner with a base config. Per-host user and agent
// forwarding come from the fleet registry at call time.
func NewRunner(baseConf ClientConfig) *Runner {
	return &Runner{baseConf: baseConf}
}

// confFor applies a host's registry settings to the base config.
func (r *Runner) confFor(h fleet.Host) ClientConfig {
	conf := r.baseConf
	conf.User = h.EffectiveUser()
	if h.ForwardAgent {
		conf.ForwardAgent = true
	}
	return conf
}

// Connect dials a one-shot connection to the given host.
// The caller is responsible for closing the returned Client.
func (r *Runner) Connect(ctx context.Context, h fleet.Host) (*Client, error) {
	client, err := Dial(ctx, h.Addr, r.confFor(h))
	if err != nil {
		return nil, WrapConnectError(h.Addr, fmt.Errorf("connect: %w", err))
	}
	return client, nil
}

// Run executes a command on a single host via SSH.
func (r *Runner) Run(ctx context.Context, h fleet.Host, command string) *dispatch.Result {
	result := &dispatch.Result{Host: h}

	client, err := r.Connect(ctx, h)
	if err != nil {
		result.Err = err
		return result
	}
	defer client.Close()

	result.Stdout, result.Stderr, result.ExitCode, result.Err = client.RunCommand(ctx, command)
	return result
}
