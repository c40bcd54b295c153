// Package deploy pushes NixOS configurations to the fleet: resolve the
// flake source tree once, sync it to every host, then activate, with one
// full retry pass for failed activations.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/config"
	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
	"github.com/okelmann/fleet/internal/retry"
)

// Deployer orchestrates configuration deployment.
type Deployer struct {
	defaults   config.Defaults
	exec       local.Execer
	runner     dispatch.Runner
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// New creates a Deployer.
func New(defaults config.Defaults, exec local.Execer, runner dispatch.Runner, d *dispatch.Dispatcher, log zerolog.Logger) *Deployer {
	return &Deployer{
		defaults:   defaults,
		exec:       exec,
		runner:     runner,
		dispatcher: d,
		log:        log,
	}
}

// Report holds the outcome of one deploy: the sync fan-out and the
// two-pass activation fan-out over the hosts that synced.
type Report struct {
	Sync       []*dispatch.Result
	Activation *retry.TwoPass
}

// OK reports whether every host synced and activated.
func (r *Report) OK() bool {
	return dispatch.AllOK(r.Sync) && (r.Activation == nil || r.Activation.OK())
}

// Deploy resolves the flake source tree, syncs it to all hosts in parallel,
// and activates the configuration on every host that synced. Activation
// failures are retried exactly once, as a second full fan-out after the
// first pass has completed for all hosts.
func (d *Deployer) Deploy(ctx context.Context, hosts fleet.Set) (*Report, error) {
	src, err := d.ResolveFlake(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve flake: %w", err)
	}
	d.log.Info().Str("path", src).Int("hosts", len(hosts)).Msg("deploying")

	report := &Report{}

	report.Sync = d.dispatcher.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		return d.syncHost(ctx, h, src)
	})

	var synced fleet.Set
	for _, r := range report.Sync {
		if r.Failed() {
			d.log.Error().Str("host", r.Host.ShortName()).Msg("sync failed, skipping activation")
			continue
		}
		synced = append(synced, r.Host)
	}
	if len(synced) == 0 {
		return report, fmt.Errorf("no host synced successfully")
	}

	report.Activation = retry.RunTwoPass(ctx, d.dispatcher, synced, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		return d.activateHost(ctx, h)
	})

	for _, h := range report.Activation.Retried() {
		d.log.Warn().Str("host", h.ShortName()).Msg("activation retried")
	}
	return report, nil
}

// ResolveFlake resolves the configured flake reference to its content-
// addressed source path, once per deploy.
func (d *Deployer) ResolveFlake(ctx context.Context) (string, error) {
	ref := d.defaults.FlakeRef
	if ref == "" {
		ref = "."
	}
	out, err := local.ExecChecked(ctx, d.exec, cmdutil.New("nix", "flake", "metadata", "--json", ref))
	if err != nil {
		return "", err
	}

	var meta struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(out.Stdout, &meta); err != nil {
		return "", fmt.Errorf("parse flake metadata: %w", err)
	}
	if meta.Path == "" {
		return "", fmt.Errorf("flake metadata has no path")
	}
	return meta.Path, nil
}

// syncHost pushes the resolved source tree to one host with a
// checksum-aware, delete-extraneous transfer.
func (d *Deployer) syncHost(ctx context.Context, h fleet.Host, src string) *dispatch.Result {
	configDir := h.MetaValue(fleet.MetaConfigDir, d.defaults.ConfigDir)

	cmd := RsyncCommand(h, src, configDir)
	out, err := d.exec.Exec(ctx, cmd)
	return &dispatch.Result{
		Host:     h,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Err:      err,
	}
}

// activateHost runs the switch command on one host.
func (d *Deployer) activateHost(ctx context.Context, h fleet.Host) *dispatch.Result {
	argv := SwitchCommand(h, d.defaults)
	return d.runner.Run(ctx, h, cmdutil.QuoteAll(argv))
}

// RsyncCommand builds the tree-sync invocation for one host.
func RsyncCommand(h fleet.Host, src, configDir string) cmdutil.Command {
	return cmdutil.New("rsync",
		"--checksum", "-vaF", "--delete",
		"-e", "ssh",
		src+"/",
		h.Target()+":"+configDir,
	)
}

// SwitchCommand builds the activation argv run on the host. When the host
// carries a target_host meta, nixos-rebuild pushes the closure on to that
// machine: the sync destination and the activation target differ.
func SwitchCommand(h fleet.Host, defaults config.Defaults) []string {
	flakeRef := h.MetaValue(fleet.MetaConfigDir, defaults.ConfigDir)
	if attr := h.MetaValue(fleet.MetaFlakeAttr, ""); attr != "" {
		flakeRef += "#" + attr
	}

	argv := []string{
		"nixos-rebuild", "switch", "--fast",
		"--option", "accept-flake-config", "true",
		"--flake", flakeRef,
		"--option", "keep-going", "true",
	}

	if targetHost := h.MetaValue(fleet.MetaTargetHost, ""); targetHost != "" {
		if targetUser := h.MetaValue(fleet.MetaTargetUser, ""); targetUser != "" {
			targetHost = targetUser + "@" + targetHost
		}
		argv = append(argv, "--target-host", targetHost)
	}
	return argv
}

// DeployLocal switches the invoking machine to its own flake
// configuration, without touching the fleet.
func (d *Deployer) DeployLocal(ctx context.Context) error {
	out, err := local.ExecChecked(ctx, d.exec, cmdutil.New(
		"nixos-rebuild", "switch",
		"--option", "accept-flake-config", "true",
		"--flake", ".#",
	))
	if err != nil {
		return fmt.Errorf("nixos-rebuild switch: %w\n%s", err, out.Stderr)
	}
	return nil
}

// FlakeCheck runs the flake's checks against the configured source tree.
func (d *Deployer) FlakeCheck(ctx context.Context) error {
	ref := d.defaults.FlakeRef
	if ref == "" {
		ref = "."
	}
	out, err := local.ExecChecked(ctx, d.exec, cmdutil.New("nix", "flake", "check",
		"--option", "allow-import-from-derivation", "true",
		ref))
	if err != nil {
		return fmt.Errorf("flake check: %w\n%s", err, out.Stderr)
	}
	return nil
}

// BuildLocal builds configurations locally without deploying, one
// nixos-rebuild build per host, fanned out through the dispatcher.
func (d *Deployer) BuildLocal(ctx context.Context, hosts fleet.Set) []*dispatch.Result {
	return d.dispatcher.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		cmd := cmdutil.New("nixos-rebuild", "build",
			"--option", "accept-flake-config", "true",
			"--option", "keep-going", "true",
			"--flake", ".#"+h.ShortName(),
		)
		out, err := d.exec.Exec(ctx, cmd)
		return &dispatch.Result{
			Host:     h,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: out.ExitCode,
			Err:      err,
		}
	})
}
