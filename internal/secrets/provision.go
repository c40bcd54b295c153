package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/local"
)

// pubkeysFile registers each machine's age recipient for sops.
const pubkeysFile = "pubkeys.json"

// netbootImageFlake provides the netboot installer image for PXE installs.
const netbootImageFlake = "github:nix-community/nixos-images#netboot-installer-nixos-unstable"

// exampleHostConfig is the stub NixOS module written for a new machine; the
// hardware module gets filled in once the machine is racked.
const exampleHostConfig = `{
  imports = [
    ../modules/hardware/placeholder.nix
  ];

  networking.hostName = "%s";

  system.stateVersion = "22.11";
}
`

// Provisioner brings new machines into the fleet: secret material, host
// certificate, age recipient registration, and the initial disk image.
type Provisioner struct {
	store       *Store
	sops        *Sops
	exec        local.Execer
	interactive local.InteractiveExecer
	log         zerolog.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(store *Store, sops *Sops, exec local.Execer, interactive local.InteractiveExecer, log zerolog.Logger) *Provisioner {
	return &Provisioner{store: store, sops: sops, exec: exec, interactive: interactive, log: log}
}

// machineKey reads one machine's age recipient from pubkeys.json.
func machineKey(path, hostname string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	var doc struct {
		Machines map[string]string `json:"machines"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false, fmt.Errorf("parse %s: %w", path, err)
	}
	key, ok := doc.Machines[hostname]
	return key, ok, nil
}

// setMachineKey updates one machine's entry in pubkeys.json while
// preserving every other field of the document.
func setMachineKey(path, hostname, key string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	machines, _ := doc["machines"].(map[string]any)
	if machines == nil {
		machines = map[string]any{}
		doc["machines"] = machines
	}
	machines[hostname] = key
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, append(out, '\n'), 0644)
}

// AddServer provisions everything a new machine needs before its first
// deploy: an age recipient slot in pubkeys.json, an encrypted root
// password, SSH host keys with a signed certificate, the machine's derived
// age key, and a stub configuration, finally staged into git.
func (p *Provisioner) AddServer(ctx context.Context, hostname string) error {
	if key, ok, err := machineKey(pubkeysFile, hostname); err != nil {
		return err
	} else if ok && key != "" {
		return fmt.Errorf("%s already has a configuration", hostname)
	}

	p.log.Info().Str("host", hostname).Msg("registering machine")
	if err := setMachineKey(pubkeysFile, hostname, ""); err != nil {
		return err
	}
	if err := p.store.UpdateAllKeys(ctx, ".", nil); err != nil {
		return err
	}

	p.log.Info().Str("host", hostname).Msg("generating root password")
	password, err := GeneratePassword()
	if err != nil {
		return err
	}
	hash, err := HashPassword(ctx, p.exec, password)
	if err != nil {
		return err
	}
	sopsFile := p.store.HostFile(hostname)
	entries := fmt.Sprintf("root-password: %s\nroot-password-hash: %s\n", password, hash)
	if err := os.WriteFile(sopsFile, []byte(entries), 0600); err != nil {
		return fmt.Errorf("write %s: %w", sopsFile, err)
	}
	if err := p.sops.EncryptInPlace(ctx, sopsFile); err != nil {
		return err
	}

	p.log.Info().Str("host", hostname).Msg("generating ssh certificate")
	certPath, err := p.store.GenerateSSHCert(ctx, hostname)
	if err != nil {
		return err
	}

	p.log.Info().Str("host", hostname).Msg("deriving age key")
	age, err := p.store.AgeKey(ctx, hostname)
	if err != nil {
		return err
	}
	if err := setMachineKey(pubkeysFile, hostname, age); err != nil {
		return err
	}
	if err := p.store.UpdateAllKeys(ctx, ".", nil); err != nil {
		return err
	}

	nixFile := filepath.Join(p.store.cfg.HostsDir, hostname+".nix")
	p.log.Info().Str("path", nixFile).Msg("writing stub configuration")
	if err := os.WriteFile(nixFile, []byte(fmt.Sprintf(exampleHostConfig, hostname)), 0644); err != nil {
		return fmt.Errorf("write %s: %w", nixFile, err)
	}

	_, err = local.ExecChecked(ctx, p.exec, cmdutil.New("git", "add",
		nixFile, sopsFile, pubkeysFile, ".sops.yaml", p.store.cfg.File, certPath))
	if err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	return nil
}

// InstallNixOS reformats a machine's disks and installs its configuration
// over PXE. The host's SSH keys are staged as extra files so the machine
// keeps its identity across the reinstall; the installer pauses for
// confirmation, so it runs with the terminal attached.
func (p *Provisioner) InstallNixOS(ctx context.Context, hostname, dhcpInterface string) error {
	tmpdir, err := os.MkdirTemp("", "fleet-install-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmpdir)

	if err := p.store.StageHostKeys(ctx, hostname, tmpdir); err != nil {
		return err
	}
	return p.interactive.ExecInteractive(ctx, cmdutil.New("sudo", "nixos-anywhere-pxe",
		"--flake", ".#"+hostname,
		"--netboot-image-flake", netbootImageFlake,
		"--dhcp-interface", dhcpInterface,
		"--extra-files", tmpdir,
		"--no-reboot",
		"--pause-after-completion",
	))
}
