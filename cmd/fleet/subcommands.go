package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/config"
	"github.com/okelmann/fleet/internal/deploy"
	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/inventory"
	"github.com/okelmann/fleet/internal/ipmi"
	"github.com/okelmann/fleet/internal/local"
	"github.com/okelmann/fleet/internal/ops"
	"github.com/okelmann/fleet/internal/report"
	"github.com/okelmann/fleet/internal/secrets"
	"github.com/okelmann/fleet/internal/ssh"
	"github.com/okelmann/fleet/internal/transfer"
)

// app wires the shared components behind every subcommand.
type app struct {
	cfg        *config.Config
	exec       *local.Runner
	runner     *ssh.Runner
	dispatcher *dispatch.Dispatcher
	render     *report.Renderer
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	insecure, _ := cmd.Flags().GetBool("insecure")
	runner := ssh.NewRunner(ssh.ClientConfig{AcceptUnknownHosts: insecure})

	return &app{
		cfg:    cfg,
		exec:   local.NewRunner(log.Logger),
		runner: runner,
		dispatcher: dispatch.New(
			dispatch.WithConcurrency(cfg.Defaults.Concurrency),
			dispatch.WithTimeout(cfg.Defaults.Timeout.Duration),
		),
		render: report.NewRenderer(term.IsTerminal(int(os.Stdout.Fd())), false),
	}, nil
}

// hosts resolves the --hosts filter against the registry.
func (a *app) hosts(cmd *cobra.Command) (fleet.Set, error) {
	csv, _ := cmd.Flags().GetString("hosts")
	return a.cfg.HostSet().Filter(csv)
}

// oneHost resolves --hosts to exactly one machine.
func (a *app) oneHost(cmd *cobra.Command) (fleet.Host, error) {
	hosts, err := a.hosts(cmd)
	if err != nil {
		return fleet.Host{}, err
	}
	if len(hosts) != 1 {
		return fleet.Host{}, fmt.Errorf("expected exactly one host via --hosts, got %d", len(hosts))
	}
	return hosts[0], nil
}

func (a *app) deployer() *deploy.Deployer {
	return deploy.New(a.cfg.Defaults, a.exec, a.runner, a.dispatcher, log.Logger)
}

func (a *app) ops() *ops.Ops {
	return ops.New(a.runner, a.dispatcher, a.exec, log.Logger)
}

func (a *app) secretStore() *secrets.Store {
	return secrets.NewStore(secrets.NewSops(a.exec), a.exec, a.cfg.Secrets, log.Logger)
}

func (a *app) console() *ipmi.Console {
	return ipmi.NewConsole(secrets.NewSops(a.exec), a.exec, a.exec, a.cfg.Secrets, log.Logger)
}

func (a *app) provisioner() *secrets.Provisioner {
	sops := secrets.NewSops(a.exec)
	store := secrets.NewStore(sops, a.exec, a.cfg.Secrets, log.Logger)
	return secrets.NewProvisioner(store, sops, a.exec, a.exec, log.Logger)
}

func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the NixOS configuration to hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			rep, err := a.deployer().Deploy(cmd.Context(), hosts)
			if rep != nil {
				fmt.Print(a.render.RenderResults(rep.Sync))
				if rep.Activation != nil {
					fmt.Print(a.render.RenderActivation(rep.Activation))
				}
			}
			if err != nil {
				return err
			}
			if !rep.OK() {
				return fmt.Errorf("deploy failed on some hosts")
			}
			return nil
		},
	}
}

func newBuildLocalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build-local",
		Short: "Build each host's configuration locally without deploying",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			results := a.deployer().BuildLocal(cmd.Context(), hosts)
			fmt.Print(a.render.RenderResults(results))
			if !dispatch.AllOK(results) {
				return fmt.Errorf("build failed for some hosts")
			}
			return nil
		},
	}
}

func newDeployLocalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy-local",
		Short: "Switch this machine to its own flake configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return a.deployer().DeployLocal(cmd.Context())
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the flake's checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return a.deployer().FlakeCheck(cmd.Context())
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run a shell command on hosts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			strict, _ := cmd.Flags().GetBool("strict")
			errorsOnly, _ := cmd.Flags().GetBool("errors-only")
			a.render.ErrorsOnly = errorsOnly

			results, err := a.ops().Run(cmd.Context(), hosts, strings.Join(args, " "), strict)
			if results != nil {
				fmt.Print(a.render.RenderGrouped(report.Group(results)))
			}
			return err
		},
	}
	cmd.Flags().Bool("strict", false, "abort on the first host failure")
	cmd.Flags().Bool("errors-only", false, "only show failing hosts")
	return cmd
}

func newRebootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reboot",
		Short: "Reboot hosts one at a time, waiting for each to come back",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			return a.ops().Reboot(cmd.Context(), hosts)
		},
	}
}

func newGCRootsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gcroots",
		Short: "Delete automatic gcroots and restart the nix garbage collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			results := a.ops().CleanupGCRoots(cmd.Context(), hosts)
			fmt.Print(a.render.RenderResults(results))
			if !dispatch.AllOK(results) {
				return fmt.Errorf("cleanup failed on some hosts")
			}
			return nil
		},
	}
}

func newTincKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tinc-keys",
		Short: "Print every host's tinc key export",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			results := a.ops().PrintTincKeys(cmd.Context(), hosts)
			fmt.Print(a.render.RenderResults(results))
			return nil
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <local> <remote>",
		Short: "Upload a file to the same path on hosts over SFTP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			copier := transfer.NewCopier(a.runner, a.dispatcher, log.Logger)
			results := copier.Push(cmd.Context(), hosts, args[0], args[1], nil)
			fmt.Print(a.render.RenderResults(results))
			if !dispatch.AllOK(results) {
				return fmt.Errorf("push failed on some hosts")
			}
			return nil
		},
	}
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <remote>",
		Short: "Download a file from hosts into per-host directories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			copier := transfer.NewCopier(a.runner, a.dispatcher, log.Logger)
			results := copier.Pull(cmd.Context(), hosts, args[0], out, nil)
			fmt.Print(a.render.RenderResults(results))
			if !dispatch.AllOK(results) {
				return fmt.Errorf("fetch failed on some hosts")
			}
			return nil
		},
	}
	cmd.Flags().String("out", ".", "local directory for the per-host downloads")
	return cmd
}

func newDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Generate hardware documentation from the live fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(cmd)
			if err != nil {
				return err
			}

			// per-host info pages come from a local generator script
			hostsDir := filepath.Join(a.cfg.Defaults.DocsDir, "hosts")
			for _, h := range hosts {
				gen := cmdutil.New("../generate-host-info.sh", h.ShortName()).WithDir(hostsDir)
				if _, err := local.ExecChecked(cmd.Context(), a.exec, gen); err != nil {
					return fmt.Errorf("host info for %s: %w", h.ShortName(), err)
				}
			}

			collector := inventory.NewCollector(a.runner, a.dispatcher, log.Logger)
			cards, results := collector.DocumentCards(cmd.Context(), hosts)
			if err := inventory.RenderExpansionDocs(a.cfg.Defaults.DocsDir, cards); err != nil {
				return err
			}
			if !dispatch.AllOK(results) {
				return fmt.Errorf("inventory collection failed on some hosts")
			}
			return nil
		},
	}

	switchCmd := &cobra.Command{
		Use:   "switch [hostname]",
		Short: "Archive the switch's startup config as an encrypted document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			name := defaultSwitchHost
			if len(args) == 1 {
				name = args[0]
			}
			sw := fleet.Host{Addr: ipmi.MgmtHostname(name), User: "ADMIN"}
			client, err := a.runner.Connect(c.Context(), sw)
			if err != nil {
				return err
			}
			defer client.Close()

			docPath := filepath.Join(a.cfg.Defaults.DocsDir, "hosts",
				fleet.Host{Addr: name}.ShortName()+".sops")
			doc := inventory.NewSwitchDoc(secrets.NewSops(a.exec), log.Logger)
			diff, err := doc.Update(c.Context(), client, docPath)
			if err != nil {
				return err
			}
			if diff != "" {
				fmt.Print(diff)
			}
			fmt.Printf("archived %s\n", docPath)
			return nil
		},
	}
	cmd.AddCommand(switchCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "lldp",
		Short: "Regenerate the LLDP neighbor graph",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(c)
			if err != nil {
				return err
			}
			return inventory.CollectLLDPDocs(c.Context(), a.exec, a.cfg.Defaults.DocsDir, hosts)
		},
	})

	return cmd
}

// defaultSwitchHost is the rack switch whose config gets archived.
const defaultSwitchHost = "craig.dse.in.tum.de"

func newSSHCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh <command>...",
		Short: "Run a command on one host with the terminal attached",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			h, err := a.oneHost(cmd)
			if err != nil {
				return err
			}
			client, err := a.runner.Connect(cmd.Context(), h)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.RunInteractive(cmd.Context(), strings.Join(args, " "))
		},
	}
}

func newAddServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-server <hostname>",
		Short: "Provision keys, certificate, and configuration for a new machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return a.provisioner().AddServer(cmd.Context(), args[0])
		},
	}
}

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <hostname>",
		Short: "Reformat a machine's disks and install NixOS over PXE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			iface, _ := cmd.Flags().GetString("dhcp-interface")
			return a.provisioner().InstallNixOS(cmd.Context(), args[0], iface)
		},
	}
	cmd.Flags().String("dhcp-interface", "", "interface facing the machine's netboot network")
	cmd.MarkFlagRequired("dhcp-interface")
	return cmd
}

func newIPMICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ipmi",
		Short: "Control machines via their management console",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "power",
		Short: "Report the fleet's current power consumption",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			rep, err := a.console().PowerConsumption(c.Context(), a.cfg, a.dispatcher)
			if err != nil {
				return err
			}
			for _, r := range rep.Readings {
				if r.Err != nil {
					fmt.Printf("%-12s error: %v\n", r.Host.ShortName(), r.Err)
					continue
				}
				fmt.Printf("%-12s %4d W\n", r.Host.ShortName(), r.Watts)
			}
			fmt.Printf("%-12s %4d W\n", "total", rep.Total)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print a machine's chassis power state",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			h, err := a.oneHost(c)
			if err != nil {
				return err
			}
			state, err := a.console().PowerStatus(c.Context(), h)
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cycle",
		Short: "Power cycle a machine",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			h, err := a.oneHost(c)
			if err != nil {
				return err
			}
			return a.console().PowerCycle(c.Context(), h)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "serial",
		Short: "Attach to a machine's serial console",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			h, err := a.oneHost(c)
			if err != nil {
				return err
			}
			return a.console().SerialConsole(c.Context(), h)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "boot-bios",
		Short: "Reboot a machine into BIOS setup",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			h, err := a.oneHost(c)
			if err != nil {
				return err
			}
			return a.console().BootTo(c.Context(), h, "bios")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "boot-pxe",
		Short: "Reboot a machine into PXE network boot",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			h, err := a.oneHost(c)
			if err != nil {
				return err
			}
			return a.console().BootTo(c.Context(), h, "pxe")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reboot-bmc",
		Short: "Cold-reset a machine's management controller",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			h, err := a.oneHost(c)
			if err != nil {
				return err
			}
			return a.console().RebootBMC(c.Context(), h)
		},
	})

	return cmd
}

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage sops-encrypted secrets and host key material",
	}

	certCmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate and sign SSH host certificates",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(c)
			if err != nil {
				return err
			}
			store := a.secretStore()
			for _, h := range hosts {
				certPath, err := store.GenerateSSHCert(c.Context(), h.ShortName())
				if err != nil {
					return fmt.Errorf("cert for %s: %w", h.ShortName(), err)
				}
				fmt.Printf("%s: %s\n", h.ShortName(), certPath)
			}

			install, _ := c.Flags().GetBool("install")
			if !install {
				return nil
			}
			copier := transfer.NewCopier(a.runner, a.dispatcher, log.Logger)
			results := copier.PushPerHost(c.Context(), hosts, func(h fleet.Host) string {
				return filepath.Join(a.cfg.Secrets.CertsDir, h.ShortName()+"-cert.pub")
			}, "/etc/ssh/ssh_host_ed25519_key-cert.pub", nil)
			fmt.Print(a.render.RenderResults(results))
			if !dispatch.AllOK(results) {
				return fmt.Errorf("cert install failed on some hosts")
			}
			return nil
		},
	}
	certCmd.Flags().Bool("install", false, "push the signed certificates to the hosts over SFTP")
	cmd.AddCommand(certCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "age-key",
		Short: "Print a host's age key derived from its SSH host key",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			h, err := a.oneHost(c)
			if err != nil {
				return err
			}
			key, err := a.secretStore().AgeKey(c.Context(), h.ShortName())
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate-keys",
		Short: "Read current SSH host keys from hosts into their sops files",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			hosts, err := a.hosts(c)
			if err != nil {
				return err
			}
			results := a.secretStore().RotateHostKeys(c.Context(), a.dispatcher, a.runner, hosts)
			fmt.Print(a.render.RenderResults(results))
			if !dispatch.AllOK(results) {
				return fmt.Errorf("key rotation failed on some hosts")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "update-sops",
		Short: "Re-encrypt every sops file after a recipient change",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			return a.secretStore().UpdateAllKeys(c.Context(), ".", nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "gen-password",
		Short: "Generate a random password and its sha-512 crypt hash",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			password, err := secrets.GeneratePassword()
			if err != nil {
				return err
			}
			hash, err := secrets.HashPassword(c.Context(), a.exec, password)
			if err != nil {
				return err
			}
			fmt.Printf("password: %s\nhash: %s\n", password, hash)
			return nil
		},
	})

	return cmd
}
