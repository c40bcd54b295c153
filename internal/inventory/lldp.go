package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
)

// CollectLLDPDocs regenerates the LLDP neighbor graph. The per-host
// neighbor scripts write into a scratch dir under docs/hosts, the graph
// generator consumes it, and the scratch dir is removed afterwards; only
// the rendered graph survives.
func CollectLLDPDocs(ctx context.Context, exec local.Execer, docsDir string, hosts fleet.Set) error {
	lldpDir := filepath.Join(docsDir, "hosts", "lldp")
	if err := os.MkdirAll(lldpDir, 0755); err != nil {
		return fmt.Errorf("create lldp dir: %w", err)
	}
	defer os.RemoveAll(lldpDir)

	for _, h := range hosts {
		cmd := cmdutil.New("../../get-lldp-neighbors.sh", h.Addr).WithDir(lldpDir)
		if _, err := local.ExecChecked(ctx, exec, cmd); err != nil {
			return fmt.Errorf("lldp neighbors for %s: %w", h.ShortName(), err)
		}
	}

	graph := cmdutil.New("../../generate-lldp-graph.sh").WithDir(lldpDir)
	if _, err := local.ExecChecked(ctx, exec, graph); err != nil {
		return fmt.Errorf("lldp graph: %w", err)
	}
	return nil
}
