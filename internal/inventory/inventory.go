// Package inventory collects PCI expansion card topology from the fleet and
// renders it as Markdown for the docs tree.
//
// Two independent tools report on the same slots: dmidecode knows the bus
// address per physical slot, inxi knows the slot status. Their outputs carry
// no shared key, so entries are paired purely by position. That 1:1
// assumption is known to be fragile; when it breaks the rendered doc shows
// an explicit Error marker instead of a device description.
package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
)

const (
	dmidecodeCmd = `nix-shell -p 'dmidecode' --run "sudo dmidecode -t slot"`
	inxiCmd      = `nix-shell -p 'inxi.override { withRecommends = true; }' --run "sudo inxi --slots -xxx -c0 --wrap-max 200"`
)

// Collector gathers slot topology over an existing fan-out runner.
type Collector struct {
	runner     dispatch.Runner
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// NewCollector creates a Collector.
func NewCollector(runner dispatch.Runner, d *dispatch.Dispatcher, log zerolog.Logger) *Collector {
	return &Collector{runner: runner, dispatcher: d, log: log}
}

// slotBusAddresses extracts one bus address per "System Slot Information"
// block of dmidecode output, in emission order. A slot without a bus address
// yields the empty string.
func slotBusAddresses(out string) []string {
	blocks := strings.Split(out, "System Slot Information")
	if len(blocks) < 2 {
		return nil
	}
	addrs := make([]string, 0, len(blocks)-1)
	for _, block := range blocks[1:] {
		addr := ""
		for _, line := range strings.Split(block, "\n") {
			if strings.Contains(line, "Bus Address") {
				if _, v, ok := strings.Cut(line, ": "); ok {
					addr = strings.TrimSpace(v)
				}
			}
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// cleanDescription reshapes lspci -m output into a single comma-joined line.
func cleanDescription(out string) string {
	s := strings.TrimSpace(out)
	s = strings.ReplaceAll(s, ` "`, ", ")
	return strings.ReplaceAll(s, `"`, "")
}

// slotDescriptions resolves the device description behind every physical
// slot of one host, in dmidecode emission order. dmidecode is unavailable on
// non-x86 machines; that degrades to an empty list, not a failure.
func (c *Collector) slotDescriptions(ctx context.Context, h fleet.Host) ([]string, error) {
	res := c.runner.Run(ctx, h, dmidecodeCmd)
	if res.Err != nil {
		return nil, res.Err
	}
	if res.ExitCode != 0 {
		c.log.Debug().Str("host", h.ShortName()).Msg("dmidecode unavailable, no slot topology")
		return nil, nil
	}

	var descriptions []string
	for _, addr := range slotBusAddresses(string(res.Stdout)) {
		description := ""
		if addr != "" {
			lspci := c.runner.Run(ctx, h, fmt.Sprintf(`nix-shell -p 'pciutils' --run "lspci -m -s %s"`, addr))
			if lspci.Err != nil {
				return nil, lspci.Err
			}
			if lspci.ExitCode != 0 {
				return nil, fmt.Errorf("lspci -s %s on %s: exit status %d", addr, h.ShortName(), lspci.ExitCode)
			}
			description = cleanDescription(string(lspci.Stdout))
		}
		if description == "" {
			description = "No device/PCI ID."
		}
		descriptions = append(descriptions, description)
	}
	return descriptions, nil
}

// correlateSlots interleaves device descriptions into the inxi slot report.
// Descriptions are consumed stack-wise from a reversed copy so each status
// line pairs with the next description in emission order. When the stack
// runs dry the shortfall renders as a literal Error marker.
func correlateSlots(inxiOut string, descriptions []string) string {
	stack := make([]string, len(descriptions))
	for i, d := range descriptions {
		stack[len(descriptions)-1-i] = d
	}

	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(inxiOut, "\n"), "\n") {
		deviceLine := false
		if strings.Contains(line, "status: Available") {
			line = "- ✅" + line
			deviceLine = true
		}
		if strings.Contains(line, "status: In Use") {
			line = "- ❌" + line
			deviceLine = true
		}
		b.WriteString(line + "   \n")
		if deviceLine {
			if len(stack) == 0 {
				b.WriteString("Error\n")
			} else {
				b.WriteString(stack[len(stack)-1] + "  \n")
				stack = stack[:len(stack)-1]
			}
		}
	}
	return b.String()
}

// documentHost renders one host's `### <name>` Markdown section.
func (c *Collector) documentHost(ctx context.Context, h fleet.Host) (string, error) {
	descriptions, err := c.slotDescriptions(ctx, h)
	if err != nil {
		return "", err
	}
	inxi := c.runner.Run(ctx, h, inxiCmd)
	if inxi.Err != nil {
		return "", inxi.Err
	}
	if inxi.ExitCode != 0 {
		return "", fmt.Errorf("inxi --slots on %s: exit status %d", h.ShortName(), inxi.ExitCode)
	}
	body := correlateSlots(string(inxi.Stdout), descriptions)
	return fmt.Sprintf("### %s \n\n%s \n\n", h.ShortName(), body), nil
}

// DocumentCards collects every host's expansion card section concurrently
// and concatenates them sorted by host name. A host that fails inventory
// collection is reported but does not suppress the other hosts' sections.
func (c *Collector) DocumentCards(ctx context.Context, hosts fleet.Set) (string, []*dispatch.Result) {
	results := c.dispatcher.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		section, err := c.documentHost(ctx, h)
		return &dispatch.Result{Host: h, Err: err, Value: section}
	})

	sorted := make([]*dispatch.Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Host.ShortName() < sorted[j].Host.ShortName()
	})

	var b strings.Builder
	for _, r := range sorted {
		if r.Err != nil {
			c.log.Error().Str("host", r.Host.ShortName()).Err(r.Err).Msg("inventory collection failed")
			continue
		}
		b.WriteString(r.Value.(string))
	}
	return b.String(), results
}

// RenderExpansionDocs substitutes the collected card sections into the docs
// template and writes docs/expansion_cards.md next to it.
func RenderExpansionDocs(docsDir, cards string) error {
	templatePath := filepath.Join(docsDir, "expansion_cards.md.template")
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("read docs template: %w", err)
	}
	content := os.Expand(string(raw), func(key string) string {
		if key == "PCI_SLOT_ALLOCATION" {
			return cards
		}
		return "$" + key
	})
	out := filepath.Join(docsDir, "expansion_cards.md")
	if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	return nil
}
