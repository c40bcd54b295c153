// Package secrets wraps the external sops store and the ssh-keygen based
// host key/certificate workflow. Encryption itself is delegated entirely to
// sops; this package treats its stdout as opaque strings.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/local"
)

// Sops shells out to the sops binary. Decryption failures are fatal and
// never retried: retrying a failed decryption is never useful and each
// attempt is another credential exposure.
type Sops struct {
	exec local.Execer
}

// NewSops creates a Sops wrapper.
func NewSops(exec local.Execer) *Sops {
	return &Sops{exec: exec}
}

// keyPath renders the sops --extract/--set path expression for a flat key.
func keyPath(key string) string {
	return `["` + key + `"]`
}

// Decrypt extracts a single decrypted scalar from an encrypted file.
func (s *Sops) Decrypt(ctx context.Context, file, key string) (string, error) {
	out, err := local.ExecChecked(ctx, s.exec,
		cmdutil.New("sops", "--extract", keyPath(key), "-d", file))
	if err != nil {
		return "", fmt.Errorf("decrypt %s of %s: %w", key, file, err)
	}
	return string(out.Stdout), nil
}

// DecryptFile decrypts the whole file.
func (s *Sops) DecryptFile(ctx context.Context, file string) (string, error) {
	out, err := local.ExecChecked(ctx, s.exec, cmdutil.New("sops", "-d", file))
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", file, err)
	}
	return string(out.Stdout), nil
}

// Set writes one encrypted value back into the file. The value is JSON
// encoded into the set expression, matching sops --set syntax.
func (s *Sops) Set(ctx context.Context, file, key, value string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	expr := keyPath(key) + " " + string(encoded)
	if _, err := local.ExecChecked(ctx, s.exec, cmdutil.New("sops", "--set", expr, file)); err != nil {
		return fmt.Errorf("set %s in %s: %w", key, file, err)
	}
	return nil
}

// EncryptInPlace replaces a plaintext file with its encrypted form. sops -e
// writes ciphertext to stdout, so the rewrite happens here.
func (s *Sops) EncryptInPlace(ctx context.Context, file string) error {
	out, err := local.ExecChecked(ctx, s.exec, cmdutil.New("sops", "-e", file))
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", file, err)
	}
	if err := os.WriteFile(file, out.Stdout, 0600); err != nil {
		return fmt.Errorf("rewrite %s: %w", file, err)
	}
	return nil
}

// UpdateKeys re-encrypts the file for the current recipient set.
func (s *Sops) UpdateKeys(ctx context.Context, file string) error {
	if _, err := local.ExecChecked(ctx, s.exec, cmdutil.New("sops", "updatekeys", "--yes", file)); err != nil {
		return fmt.Errorf("updatekeys %s: %w", file, err)
	}
	return nil
}

// TryDecrypt extracts a key, reporting absence instead of failing. Used
// where a missing key means "generate fresh material" rather than an error.
func (s *Sops) TryDecrypt(ctx context.Context, file, key string) (string, bool) {
	out, err := s.exec.Exec(ctx, cmdutil.New("sops", "--extract", keyPath(key), "-d", file))
	if err != nil || out.ExitCode != 0 {
		return "", false
	}
	if strings.TrimSpace(string(out.Stdout)) == "" {
		return "", false
	}
	return string(out.Stdout), true
}
