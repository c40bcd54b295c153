package inventory

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/report"
	"github.com/okelmann/fleet/internal/secrets"
	"github.com/okelmann/fleet/internal/ssh"
)

// switchDumpCommand disables pagination so the whole startup config streams
// out before the CLI closes the session.
const switchDumpCommand = "no cli pagination; show startup-config; exit"

// SwitchDoc archives a managed switch's startup configuration as a
// sops-encrypted document. The config embeds the admin password hash, hence
// the encryption. The switch admin CLI only talks to a terminal, so the
// dump runs over a PTY.
type SwitchDoc struct {
	sops *secrets.Sops
	log  zerolog.Logger
}

// NewSwitchDoc creates a SwitchDoc.
func NewSwitchDoc(sops *secrets.Sops, log zerolog.Logger) *SwitchDoc {
	return &SwitchDoc{sops: sops, log: log}
}

// Update dumps the switch configuration over client, returns the diff
// against the previously archived version, and re-encrypts the document in
// place. The switch closes the connection itself, so the session's exit
// status carries no information and is ignored.
func (s *SwitchDoc) Update(ctx context.Context, client *ssh.Client, docPath string) (string, error) {
	out, _, err := client.RunCommandPTY(ctx, switchDumpCommand)
	if err != nil {
		return "", fmt.Errorf("dump switch config: %w", err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("switch returned no configuration")
	}

	diff := ""
	if old, err := s.sops.DecryptFile(ctx, docPath); err == nil {
		diff = report.Diff(old, string(out), "archived", "current")
	} else {
		s.log.Warn().Str("path", docPath).Msg("no archived config to diff against")
	}

	if err := os.WriteFile(docPath, out, 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", docPath, err)
	}
	if err := s.sops.EncryptInPlace(ctx, docPath); err != nil {
		return "", err
	}
	return diff, nil
}
