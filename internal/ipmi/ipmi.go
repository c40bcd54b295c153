// Package ipmi wraps the external management console. Every invocation
// derives the management hostname from the host address and fetches the
// console credential fresh from the secrets store; the credential is never
// cached across calls.
package ipmi

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/config"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
	"github.com/okelmann/fleet/internal/secrets"
)

// MgmtHostname derives the management controller hostname by appending
// "-mgmt" to the first dot-delimited label only:
// "ryan.dse.in.tum.de" -> "ryan-mgmt.dse.in.tum.de".
func MgmtHostname(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		return hostname[:i] + "-mgmt" + hostname[i:]
	}
	return hostname + "-mgmt"
}

// Console issues ipmitool commands against a host's management controller.
type Console struct {
	sops        *secrets.Sops
	exec        local.Execer
	interactive local.InteractiveExecer
	cfg         config.Secrets
	log         zerolog.Logger
}

// NewConsole creates a Console.
func NewConsole(sops *secrets.Sops, exec local.Execer, interactive local.InteractiveExecer, cfg config.Secrets, log zerolog.Logger) *Console {
	return &Console{sops: sops, exec: exec, interactive: interactive, cfg: cfg, log: log}
}

// command builds one ipmitool invocation. The credential is decrypted per
// call to keep its exposure window as small as possible.
func (c *Console) command(ctx context.Context, mgmtHost string, args ...string) (cmdutil.Command, error) {
	password, err := c.sops.Decrypt(ctx, c.cfg.File, c.cfg.IPMIKey)
	if err != nil {
		return cmdutil.Command{}, err
	}
	argv := []string{
		"ipmitool",
		"-I", "lanplus",
		"-H", mgmtHost,
		"-U", c.cfg.IPMIUser,
		"-P", strings.TrimSpace(password),
	}
	argv = append(argv, args...)
	return cmdutil.Command{Argv: argv}, nil
}

// Run executes an ipmitool command against a host's management controller
// and captures its output.
func (c *Console) Run(ctx context.Context, h fleet.Host, args ...string) (local.Output, error) {
	mgmt := MgmtHostname(h.Addr)
	cmd, err := c.command(ctx, mgmt, args...)
	if err != nil {
		return local.Output{}, err
	}
	c.log.Debug().Str("mgmt", mgmt).Strs("args", args).Msg("ipmitool")
	return local.ExecChecked(ctx, c.exec, cmd)
}

// RunInteractive executes an ipmitool command with the terminal attached.
func (c *Console) RunInteractive(ctx context.Context, h fleet.Host, args ...string) error {
	cmd, err := c.command(ctx, MgmtHostname(h.Addr), args...)
	if err != nil {
		return err
	}
	return c.interactive.ExecInteractive(ctx, cmd)
}

// PowerCycle power cycles the host.
func (c *Console) PowerCycle(ctx context.Context, h fleet.Host) error {
	_, err := c.Run(ctx, h, "power", "cycle")
	return err
}

// PowerStatus returns the chassis power state line, e.g.
// "Chassis Power is on".
func (c *Console) PowerStatus(ctx context.Context, h fleet.Host) (string, error) {
	out, err := c.Run(ctx, h, "power", "status")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}

// RebootBMC cold-resets the management controller itself.
func (c *Console) RebootBMC(ctx context.Context, h fleet.Host) error {
	_, err := c.Run(ctx, h, "bmc", "reset", "cold")
	return err
}

// BootTo sets the next boot device and power cycles, e.g. "bios" or "pxe".
func (c *Console) BootTo(ctx context.Context, h fleet.Host, bootdev string) error {
	if _, err := c.Run(ctx, h, "chassis", "bootdev", bootdev); err != nil {
		return err
	}
	return c.PowerCycle(ctx, h)
}

// SerialConsole prints serial-over-LAN info and attaches the terminal to
// the console session.
func (c *Console) SerialConsole(ctx context.Context, h fleet.Host) error {
	out, err := c.Run(ctx, h, "sol", "info")
	if err != nil {
		return err
	}
	fmt.Print(string(out.Stdout))
	return c.RunInteractive(ctx, h, "sol", "activate")
}
