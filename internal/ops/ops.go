// Package ops holds the day-to-day fleet maintenance operations that run
// over the shared dispatcher: ad-hoc commands, reboots, garbage collection
// and key exports.
package ops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
	"github.com/okelmann/fleet/internal/retry"
)

// Ops bundles the transports the maintenance operations need.
type Ops struct {
	runner     dispatch.Runner
	dispatcher *dispatch.Dispatcher
	exec       local.Execer
	log        zerolog.Logger
}

// New creates an Ops helper.
func New(runner dispatch.Runner, d *dispatch.Dispatcher, exec local.Execer, log zerolog.Logger) *Ops {
	return &Ops{runner: runner, dispatcher: d, exec: exec, log: log}
}

// Run executes an arbitrary shell command on every host. Per-host failures
// are captured in the results; strict aborts the fan-out on the first one.
func (o *Ops) Run(ctx context.Context, hosts fleet.Set, command string, strict bool) ([]*dispatch.Result, error) {
	if strict {
		return o.dispatcher.RunStrict(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
			return o.runner.Run(ctx, h, command)
		})
	}
	return o.dispatcher.RunCommand(ctx, hosts, o.runner, command), nil
}

// CleanupGCRoots removes the automatic gcroots and kicks the collector.
func (o *Ops) CleanupGCRoots(ctx context.Context, hosts fleet.Set) []*dispatch.Result {
	return o.dispatcher.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		res := o.runner.Run(ctx, h, "find /nix/var/nix/gcroots/auto -type s -delete")
		if res.Failed() {
			return res
		}
		return o.runner.Run(ctx, h, "systemctl restart nix-gc")
	})
}

// PrintTincKeys exports every host's tinc key material.
func (o *Ops) PrintTincKeys(ctx context.Context, hosts fleet.Set) []*dispatch.Result {
	return o.dispatcher.RunCommand(ctx, hosts, o.runner, "tinc.retiolum export")
}

// pingOnce reports whether the host currently answers a single ping.
func (o *Ops) pingOnce(ctx context.Context, addr string) (bool, error) {
	out, err := o.exec.Exec(ctx, cmdutil.New("ping", "-q", "-c", "1", "-w", "2", addr))
	if err != nil {
		return false, err
	}
	return out.ExitCode == 0, nil
}

var errNotReady = errors.New("host not in desired state")

// waitForHost polls until the host's reachability matches want, one ping
// per second, printing a dot per attempt so a serial reboot shows progress.
func (o *Ops) waitForHost(ctx context.Context, addr string, want bool) error {
	policy := retry.Policy{
		MaxAttempts:     600,
		InitialInterval: time.Second,
		MaxInterval:     time.Second,
		Retryable:       func(err error) bool { return errors.Is(err, errNotReady) },
	}
	err := policy.Do(ctx, func() error {
		up, pingErr := o.pingOnce(ctx, addr)
		if pingErr != nil {
			return pingErr
		}
		if up != want {
			fmt.Fprint(os.Stdout, ".")
			return errNotReady
		}
		return nil
	})
	if errors.Is(err, errNotReady) {
		return fmt.Errorf("timed out waiting for %s", addr)
	}
	return err
}

// Reboot restarts the hosts one at a time, waiting for each to go down and
// come back before touching the next. Serial on purpose: rebooting the whole
// fleet at once takes out services with no remaining replica.
func (o *Ops) Reboot(ctx context.Context, hosts fleet.Set) error {
	for _, h := range hosts {
		if res := o.runner.Run(ctx, h, "reboot &"); res.Err != nil {
			return fmt.Errorf("reboot %s: %w", h.ShortName(), res.Err)
		}

		o.log.Info().Str("host", h.ShortName()).Msg("waiting for shutdown")
		if err := o.waitForHost(ctx, h.Addr, false); err != nil {
			return err
		}
		o.log.Info().Str("host", h.ShortName()).Msg("waiting for boot")
		if err := o.waitForHost(ctx, h.Addr, true); err != nil {
			return err
		}
	}
	return nil
}
