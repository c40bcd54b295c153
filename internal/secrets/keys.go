package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/config"
	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
)

// hostKeyNames are the sops keys holding a host's SSH key material.
var hostKeyNames = []string{
	"ssh_host_rsa_key",
	"ssh_host_rsa_key.pub",
	"ssh_host_ed25519_key",
	"ssh_host_ed25519_key.pub",
}

// Store manages host key material: staging decrypted keys, generating and
// signing host certificates, and rotating keys from the fleet. All staging
// of decrypted material happens in operation-scoped temporary directories
// that are removed on every exit path.
type Store struct {
	sops *Sops
	exec local.Execer
	cfg  config.Secrets
	log  zerolog.Logger
}

// NewStore creates a Store.
func NewStore(sops *Sops, exec local.Execer, cfg config.Secrets, log zerolog.Logger) *Store {
	return &Store{sops: sops, exec: exec, cfg: cfg, log: log}
}

// HostFile returns the per-host sops file path.
func (st *Store) HostFile(host string) string {
	return filepath.Join(st.cfg.HostsDir, host+".yml")
}

// StageHostKeys decrypts a host's SSH keys into dir/etc/ssh with key
// material at 0600 and public keys at 0644. The caller owns dir and its
// cleanup; installers pass the staging tree as extra files.
func (st *Store) StageHostKeys(ctx context.Context, host, dir string) error {
	sshDir := filepath.Join(dir, "etc", "ssh")
	if err := os.MkdirAll(sshDir, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	file := st.HostFile(host)
	for _, name := range hostKeyNames {
		value, err := st.sops.Decrypt(ctx, file, name)
		if err != nil {
			return err
		}
		mode := os.FileMode(0600)
		if strings.HasSuffix(name, ".pub") {
			mode = 0644
		}
		if err := os.WriteFile(filepath.Join(sshDir, name), []byte(value), mode); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// GenerateSSHCert ensures a host has rsa and ed25519 host keys in its sops
// file (generating missing ones), then signs the ed25519 public key with
// the fleet CA and installs the certificate under the certs dir. Decrypted
// key material only ever exists inside a temporary directory removed on
// return.
func (st *Store) GenerateSSHCert(ctx context.Context, host string) (certPath string, err error) {
	tmpdir, err := os.MkdirTemp("", "fleet-cert-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmpdir)

	sshDir := filepath.Join(tmpdir, "etc", "ssh")
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	sopsFile := st.HostFile(host)
	for _, keyType := range []string{"rsa", "ed25519"} {
		privName := "ssh_host_" + keyType + "_key"
		pubName := privName + ".pub"
		privPath := filepath.Join(sshDir, privName)
		pubPath := filepath.Join(sshDir, pubName)

		if pubValue, ok := st.sops.TryDecrypt(ctx, sopsFile, pubName); ok {
			// Existing key: only the public half is needed for signing.
			if err := os.WriteFile(pubPath, []byte(pubValue), 0644); err != nil {
				return "", fmt.Errorf("write %s: %w", pubName, err)
			}
			continue
		}

		st.log.Info().Str("host", host).Str("type", keyType).Msg("generating host key")
		_, err := local.ExecChecked(ctx, st.exec, cmdutil.New("ssh-keygen",
			"-f", privPath,
			"-t", keyType,
			"-C", "host key for host "+host,
			"-N", "",
		))
		if err != nil {
			return "", fmt.Errorf("generate %s key: %w", keyType, err)
		}

		for _, p := range []struct{ name, path string }{{privName, privPath}, {pubName, pubPath}} {
			data, err := os.ReadFile(p.path)
			if err != nil {
				return "", fmt.Errorf("read generated key: %w", err)
			}
			if err := st.sops.Set(ctx, sopsFile, p.name, string(data)); err != nil {
				return "", err
			}
		}
	}

	// Decrypt the CA key into the staging dir, sign, and move the cert out.
	caValue, err := st.sops.Decrypt(ctx, st.cfg.CAKeyFile, "ssh-ca")
	if err != nil {
		return "", err
	}
	caPath := filepath.Join(tmpdir, "ssh-ca")
	if err := os.WriteFile(caPath, []byte(caValue), 0600); err != nil {
		return "", fmt.Errorf("write ca key: %w", err)
	}

	principals := make([]string, len(st.cfg.CertDomains))
	for i, domain := range st.cfg.CertDomains {
		principals[i] = host + "." + domain
	}

	pubPath := filepath.Join(sshDir, "ssh_host_ed25519_key.pub")
	_, err = local.ExecChecked(ctx, st.exec, cmdutil.New("ssh-keygen",
		"-h",
		"-s", caPath,
		"-n", strings.Join(principals, ","),
		"-I", host,
		pubPath,
	))
	if err != nil {
		return "", fmt.Errorf("sign host key: %w", err)
	}

	signed := filepath.Join(sshDir, "ssh_host_ed25519_key-cert.pub")
	certPath = filepath.Join(st.cfg.CertsDir, host+"-cert.pub")
	if err := os.MkdirAll(st.cfg.CertsDir, 0755); err != nil {
		return "", fmt.Errorf("create certs dir: %w", err)
	}
	data, err := os.ReadFile(signed)
	if err != nil {
		return "", fmt.Errorf("read signed cert: %w", err)
	}
	if err := os.WriteFile(certPath, data, 0644); err != nil {
		return "", fmt.Errorf("install cert: %w", err)
	}
	return certPath, nil
}

// AgeKey derives the age recipient key from a host's stored ed25519 public
// key by piping it through ssh-to-age.
func (st *Store) AgeKey(ctx context.Context, host string) (string, error) {
	pub, err := st.sops.Decrypt(ctx, st.HostFile(host), "ssh_host_ed25519_key.pub")
	if err != nil {
		return "", err
	}
	out, err := local.ExecChecked(ctx, st.exec,
		cmdutil.New("nix", "run", "--inputs-from", ".#", "nixpkgs#ssh-to-age").WithStdin(pub))
	if err != nil {
		return "", fmt.Errorf("ssh-to-age: %w", err)
	}
	return out.Text(), nil
}

// RotateHostKeys reads the current SSH keys off every host in parallel and
// writes each value back into the host's sops file. Hosts that cannot be
// read are reported, not fatal.
func (st *Store) RotateHostKeys(ctx context.Context, d *dispatch.Dispatcher, runner dispatch.Runner, hosts fleet.Set) []*dispatch.Result {
	work := func(ctx context.Context, h fleet.Host) *dispatch.Result {
		for _, name := range hostKeyNames {
			r := runner.Run(ctx, h, "cat /etc/ssh/"+name)
			if r.Failed() {
				return r
			}
			if err := st.sops.Set(ctx, st.HostFile(h.ShortName()), name, string(r.Stdout)); err != nil {
				return &dispatch.Result{Host: h, Err: err}
			}
		}
		return &dispatch.Result{Host: h}
	}
	return d.Run(ctx, hosts, work)
}

// UpdateAllKeys walks root for sops-managed files (*.yml, *.enc.json) and
// re-encrypts each for the current recipient set.
func (st *Store) UpdateAllKeys(ctx context.Context, root string, skip func(path string) bool) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" || entry.Name() == ".github" {
				return filepath.SkipDir
			}
			return nil
		}
		if skip != nil && skip(path) {
			return nil
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".enc.json") {
			return nil
		}
		return st.sops.UpdateKeys(ctx, path)
	})
}
