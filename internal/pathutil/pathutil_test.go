package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cases := map[string]string{
		"~/.ssh/id_ed25519": filepath.Join(home, ".ssh", "id_ed25519"),
		"~":                 home,
		"/etc/nixos":        "/etc/nixos",
		"~other/file":       "~other/file",
		"relative/path":     "relative/path",
	}
	for in, want := range cases {
		if got := ExpandHome(in); got != want {
			t.Errorf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}
