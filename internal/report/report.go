// Package report renders fan-out outcomes for the terminal: grouped output
// for ad-hoc commands and per-host sections with attempt history for
// deployments.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"charm.land/lipgloss/v2"

	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/retry"
)

var (
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4672")
	colorYellow = lipgloss.Color("#FDFF90")
	colorCyan   = lipgloss.Color("#00E5FF")
	colorSubtle = lipgloss.Color("#626262")

	headerOK    = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	headerWarn  = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	headerFail  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	hostStyle   = lipgloss.NewStyle().Foreground(colorCyan)
	subtleStyle = lipgloss.NewStyle().Foreground(colorSubtle)
	diffAdd     = lipgloss.NewStyle().Foreground(colorGreen)
	diffDel     = lipgloss.NewStyle().Foreground(colorRed)
	diffHdr     = lipgloss.NewStyle().Foreground(colorCyan)
)

const durationPrecision = 10 * time.Millisecond

// Renderer formats results for terminal display.
type Renderer struct {
	Color      bool
	ErrorsOnly bool
}

// NewRenderer creates a Renderer.
func NewRenderer(color, errorsOnly bool) *Renderer {
	return &Renderer{Color: color, ErrorsOnly: errorsOnly}
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.Color {
		return text
	}
	return s.Render(text)
}

// RenderGrouped renders a grouped fan-out with identical outputs collapsed.
func (r *Renderer) RenderGrouped(grouped *Grouped) string {
	var b strings.Builder

	succeeded, nonZero := 0, 0
	for _, g := range grouped.Groups {
		if g.ExitCode != 0 {
			nonZero += len(g.Hosts)
		} else {
			succeeded += len(g.Hosts)
		}
		if r.ErrorsOnly && g.ExitCode == 0 {
			continue
		}
		r.writeGroup(&b, &g, len(grouped.Groups))
		b.WriteString("\n")
	}

	for _, res := range grouped.Failed {
		b.WriteString(r.style(headerFail, " 1 host failed:"))
		b.WriteString("\n   ")
		b.WriteString(r.style(hostStyle, res.Host.ShortName()))
		fmt.Fprintf(&b, " (%v)\n\n", res.Err)
	}
	for _, res := range grouped.TimedOut {
		b.WriteString(r.style(headerFail, " 1 host timed out:"))
		b.WriteString("\n   ")
		b.WriteString(r.style(hostStyle, res.Host.ShortName()))
		fmt.Fprintf(&b, " (%v)\n\n", res.Err)
	}

	b.WriteString(summaryLine(succeeded, nonZero, len(grouped.Failed), len(grouped.TimedOut)))
	b.WriteString("\n")
	return b.String()
}

func (r *Renderer) writeGroup(b *strings.Builder, g *OutputGroup, totalGroups int) {
	hostWord := "hosts"
	if len(g.Hosts) == 1 {
		hostWord = "host"
	}

	switch {
	case g.ExitCode != 0:
		b.WriteString(r.style(headerFail, fmt.Sprintf(" %d %s exited with code %d:", len(g.Hosts), hostWord, g.ExitCode)))
	case g.IsNorm:
		label := fmt.Sprintf(" %d %s identical:", len(g.Hosts), hostWord)
		if totalGroups == 1 && len(g.Hosts) == 1 {
			label = fmt.Sprintf(" %d %s:", len(g.Hosts), hostWord)
		}
		b.WriteString(r.style(headerOK, label))
	default:
		verb := "differ"
		if len(g.Hosts) == 1 {
			verb = "differs"
		}
		b.WriteString(r.style(headerWarn, fmt.Sprintf(" %d %s %s:", len(g.Hosts), hostWord, verb)))
	}
	b.WriteString("\n   ")
	b.WriteString(r.style(hostStyle, strings.Join(g.Hosts, ", ")))
	b.WriteString("\n")

	writeIndented(b, string(g.Stdout), func(line string) string { return line })
	writeIndented(b, string(g.Stderr), func(line string) string {
		return r.style(headerFail, "stderr: "+line)
	})

	if !g.IsNorm && g.Diff != "" {
		b.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(g.Diff, "\n"), "\n") {
			b.WriteString("   ")
			switch {
			case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
				b.WriteString(r.style(diffHdr, line))
			case strings.HasPrefix(line, "+"):
				b.WriteString(r.style(diffAdd, line))
			case strings.HasPrefix(line, "-"):
				b.WriteString(r.style(diffDel, line))
			default:
				b.WriteString(line)
			}
			b.WriteString("\n")
		}
	}
}

func writeIndented(b *strings.Builder, text string, decorate func(string) string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("   ")
		b.WriteString(decorate(line))
		b.WriteString("\n")
	}
}

func summaryLine(succeeded, nonZero, failed, timedOut int) string {
	parts := []string{fmt.Sprintf("%d succeeded", succeeded)}
	if nonZero > 0 {
		parts = append(parts, fmt.Sprintf("%d non-zero exit", nonZero))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if timedOut > 0 {
		parts = append(parts, fmt.Sprintf("%d timeout", timedOut))
	}
	return strings.Join(parts, ", ")
}

// RenderResults renders one section per host, sorted by name.
func (r *Renderer) RenderResults(results []*dispatch.Result) string {
	sorted := sortResults(results)

	var b strings.Builder
	for _, res := range sorted {
		r.writeHostSection(&b, res, nil)
	}
	if dispatch.AllOK(sorted) {
		b.WriteString(r.style(headerOK, "all hosts succeeded"))
	} else {
		b.WriteString(r.style(headerFail, fmt.Sprintf("%d of %d hosts failed", len(dispatch.Failed(sorted)), len(sorted))))
	}
	b.WriteString("\n")
	return b.String()
}

// RenderActivation renders the two-pass activation outcome: the final result
// per host, with the first attempt's failure kept visible for retried hosts.
func (r *Renderer) RenderActivation(tp *retry.TwoPass) string {
	firstByHost := make(map[string]*dispatch.Result, len(tp.First))
	for _, res := range tp.First {
		firstByHost[res.Host.ShortName()] = res
	}
	retried := make(map[string]bool)
	for _, h := range tp.Retried() {
		retried[h.ShortName()] = true
	}

	var b strings.Builder
	for _, res := range sortResults(tp.Final) {
		var first *dispatch.Result
		if retried[res.Host.ShortName()] {
			first = firstByHost[res.Host.ShortName()]
		}
		r.writeHostSection(&b, res, first)
	}
	if tp.OK() {
		b.WriteString(r.style(headerOK, "activation succeeded on all hosts"))
	} else {
		b.WriteString(r.style(headerFail, fmt.Sprintf("activation failed on %d hosts", len(dispatch.Failed(tp.Final)))))
	}
	b.WriteString("\n")
	return b.String()
}

// writeHostSection renders one host's outcome; firstAttempt, when non-nil,
// is the failed first pass that preceded this result.
func (r *Renderer) writeHostSection(b *strings.Builder, res *dispatch.Result, firstAttempt *dispatch.Result) {
	name := res.Host.ShortName()
	switch {
	case res.Err != nil:
		b.WriteString(r.style(headerFail, fmt.Sprintf("=== %s: %v", name, res.Err)))
	case res.ExitCode != 0:
		b.WriteString(r.style(headerFail, fmt.Sprintf("=== %s: exit status %d", name, res.ExitCode)))
	default:
		b.WriteString(r.style(headerOK, fmt.Sprintf("=== %s: ok", name)))
	}
	if res.Duration > 0 {
		b.WriteString(r.style(subtleStyle, fmt.Sprintf(" (%s)", res.Duration.Round(durationPrecision))))
	}
	b.WriteString("\n")

	if firstAttempt != nil {
		detail := fmt.Sprintf("exit status %d", firstAttempt.ExitCode)
		if firstAttempt.Err != nil {
			detail = firstAttempt.Err.Error()
		}
		b.WriteString("   ")
		b.WriteString(r.style(headerWarn, "first attempt failed: "+detail))
		b.WriteString("\n")
	}

	prefix := res.Host.Prefix
	writeIndented(b, string(res.Stdout), func(line string) string {
		if prefix != "" {
			return r.style(subtleStyle, prefix+"> ") + line
		}
		return line
	})
	writeIndented(b, string(res.Stderr), func(line string) string {
		return r.style(headerFail, "stderr: "+line)
	})
	b.WriteString("\n")
}

func sortResults(results []*dispatch.Result) []*dispatch.Result {
	sorted := make([]*dispatch.Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Host.ShortName() < sorted[j].Host.ShortName()
	})
	return sorted
}
