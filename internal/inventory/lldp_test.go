package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
)

func TestCollectLLDPDocs(t *testing.T) {
	docsDir := filepath.Join(t.TempDir(), "docs")
	lldpDir := filepath.Join(docsDir, "hosts", "lldp")

	exec := &fakeExec{handler: func(cmd cmdutil.Command) (local.Output, error) {
		// The scripts resolve relative to the scratch dir.
		if cmd.Dir != lldpDir {
			t.Errorf("command %v ran in %q", cmd.Argv, cmd.Dir)
		}
		if _, err := os.Stat(lldpDir); err != nil {
			t.Errorf("scratch dir missing while %v runs: %v", cmd.Argv, err)
		}
		return local.Output{}, nil
	}}

	hosts := fleet.Set{
		{Addr: "ryan.dse.in.tum.de"},
		{Addr: "graham.dse.in.tum.de"},
	}
	if err := CollectLLDPDocs(context.Background(), exec, docsDir, hosts); err != nil {
		t.Fatalf("CollectLLDPDocs: %v", err)
	}

	want := [][]string{
		{"../../get-lldp-neighbors.sh", "ryan.dse.in.tum.de"},
		{"../../get-lldp-neighbors.sh", "graham.dse.in.tum.de"},
		{"../../generate-lldp-graph.sh"},
	}
	if len(exec.commands) != len(want) {
		t.Fatalf("commands = %v", exec.commands)
	}
	for i, w := range want {
		got := exec.commands[i].Argv
		if len(got) != len(w) {
			t.Errorf("command %d = %v, want %v", i, got, w)
			continue
		}
		for j := range w {
			if got[j] != w[j] {
				t.Errorf("command %d = %v, want %v", i, got, w)
				break
			}
		}
	}

	// Only the rendered graph survives; the scratch dir is gone.
	if _, err := os.Stat(lldpDir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s still exists", lldpDir)
	}
}

func TestCollectLLDPDocs_ScriptFailure(t *testing.T) {
	docsDir := filepath.Join(t.TempDir(), "docs")

	exec := &fakeExec{handler: func(cmd cmdutil.Command) (local.Output, error) {
		return local.Output{ExitCode: 1, Stderr: []byte("no lldpd")}, nil
	}}

	hosts := fleet.Set{{Addr: "ryan.dse.in.tum.de"}}
	err := CollectLLDPDocs(context.Background(), exec, docsDir, hosts)
	if err == nil {
		t.Fatal("expected error")
	}

	// Cleanup runs on the failure path too.
	if _, err := os.Stat(filepath.Join(docsDir, "hosts", "lldp")); !os.IsNotExist(err) {
		t.Error("scratch dir still exists after failure")
	}
}
