package report

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/okelmann/fleet/internal/dispatch"
)

// OutputGroup is a set of hosts that produced identical output.
type OutputGroup struct {
	Hosts    []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	IsNorm   bool   // largest (majority) group
	Diff     string // unified diff vs the norm; empty for the norm itself
}

// Grouped holds the categorized results of one fan-out.
type Grouped struct {
	Groups   []OutputGroup
	Failed   []*dispatch.Result
	TimedOut []*dispatch.Result
}

// Group categorizes results by identical output and exit code, marks the
// majority group as the norm, and computes unified diffs for outliers. Zero
// and non-zero exits are grouped alike so 20 hosts failing the same way show
// as one group, not 20 entries.
func Group(results []*dispatch.Result) *Grouped {
	gr := &Grouped{}

	type hashEntry struct {
		hash   string
		result *dispatch.Result
	}
	var completed []hashEntry

	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Err != nil {
			if isTimeout(r.Err) {
				gr.TimedOut = append(gr.TimedOut, r)
			} else {
				gr.Failed = append(gr.Failed, r)
			}
			continue
		}

		// Exit code is part of the hash so same output with different
		// codes lands in separate groups.
		var buf []byte
		buf = append(buf, r.Stdout...)
		buf = append(buf, 0)
		buf = append(buf, r.Stderr...)
		buf = append(buf, 0)
		buf = append(buf, byte(r.ExitCode>>24), byte(r.ExitCode>>16), byte(r.ExitCode>>8), byte(r.ExitCode))
		h := sha256.Sum256(buf)
		completed = append(completed, hashEntry{hash: fmt.Sprintf("%x", h), result: r})
	}

	if len(completed) == 0 {
		return gr
	}

	type groupData struct {
		hosts    []string
		stdout   []byte
		stderr   []byte
		exitCode int
	}
	groups := make(map[string]*groupData)
	var hashOrder []string

	for _, entry := range completed {
		g, ok := groups[entry.hash]
		if !ok {
			g = &groupData{
				stdout:   entry.result.Stdout,
				stderr:   entry.result.Stderr,
				exitCode: entry.result.ExitCode,
			}
			groups[entry.hash] = g
			hashOrder = append(hashOrder, entry.hash)
		}
		g.hosts = append(g.hosts, entry.result.Host.ShortName())
	}

	// Largest group wins; first-seen wins ties.
	normHash := hashOrder[0]
	for _, h := range hashOrder[1:] {
		if len(groups[h].hosts) > len(groups[normHash].hosts) {
			normHash = h
		}
	}
	norm := groups[normHash]
	sort.Strings(norm.hosts)
	gr.Groups = append(gr.Groups, OutputGroup{
		Hosts:    norm.hosts,
		Stdout:   norm.stdout,
		Stderr:   norm.stderr,
		ExitCode: norm.exitCode,
		IsNorm:   true,
	})

	for _, h := range hashOrder {
		if h == normHash {
			continue
		}
		g := groups[h]
		sort.Strings(g.hosts)
		gr.Groups = append(gr.Groups, OutputGroup{
			Hosts:    g.hosts,
			Stdout:   g.stdout,
			Stderr:   g.stderr,
			ExitCode: g.exitCode,
			Diff:     unifiedDiff(string(norm.stdout), string(g.stdout)),
		})
	}

	return gr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// maxDiffLines caps the LCS computation; beyond it the diff falls back to a
// full removal/addition to avoid O(n*m) blowup on huge outputs.
const maxDiffLines = 500

func unifiedDiff(a, b string) string {
	return Diff(a, b, "norm", "outlier")
}

// Diff renders a unified diff of two texts with the given side labels.
func Diff(a, b, aLabel, bLabel string) string {
	aLines := splitLines(a)
	bLines := splitLines(b)

	var out strings.Builder
	out.WriteString("--- " + aLabel + "\n")
	out.WriteString("+++ " + bLabel + "\n")

	if len(aLines) > maxDiffLines || len(bLines) > maxDiffLines {
		for _, line := range aLines {
			out.WriteString("-" + line + "\n")
		}
		for _, line := range bLines {
			out.WriteString("+" + line + "\n")
		}
		return out.String()
	}

	lcs := computeLCS(aLines, bLines)
	ai, bi := 0, 0
	for _, common := range lcs {
		for ai < len(aLines) && aLines[ai] != common {
			out.WriteString("-" + aLines[ai] + "\n")
			ai++
		}
		for bi < len(bLines) && bLines[bi] != common {
			out.WriteString("+" + bLines[bi] + "\n")
			bi++
		}
		out.WriteString(" " + common + "\n")
		ai++
		bi++
	}
	for ; ai < len(aLines); ai++ {
		out.WriteString("-" + aLines[ai] + "\n")
	}
	for ; bi < len(bLines); bi++ {
		out.WriteString("+" + bLines[bi] + "\n")
	}
	return out.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func computeLCS(a, b []string) []string {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcs := make([]string, 0, dp[m][n])
	for i, j := m, n; i > 0 && j > 0; {
		switch {
		case a[i-1] == b[j-1]:
			lcs = append(lcs, a[i-1])
			i--
			j--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	for l, r := 0, len(lcs)-1; l < r; l, r = l+1, r-1 {
		lcs[l], lcs[r] = lcs[r], lcs[l]
	}
	return lcs
}
