package dispatch

import (
	"time"

	"github.com/okelmann/fleet/internal/fleet"
)

// Result holds the outcome of one host's unit of work. Results are
// immutable once the dispatch that produced them returns.
type Result struct {
	Host     fleet.Host
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error // connection/timeout/callback errors
	Value    any   // callback-defined return value, nil for plain commands
}

// Failed reports whether the work failed, by error or by exit status.
func (r *Result) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// Failed filters a result slice down to the failing hosts.
func Failed(results []*Result) []*Result {
	var out []*Result
	for _, r := range results {
		if r != nil && r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

// AllOK reports whether every host in the dispatch succeeded.
func AllOK(results []*Result) bool {
	for _, r := range results {
		if r == nil || r.Failed() {
			return false
		}
	}
	return true
}
