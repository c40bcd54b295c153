// Package dispatch fans one unit of work out across a host set, one
// goroutine per host, and collects per-host results independently. Under the
// default policy a host failure never aborts its siblings; strict mode
// surfaces the first failure and abandons the rest.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okelmann/fleet/internal/fleet"
)

// Work is a unit of execution bound to exactly one host. It may issue
// multiple sequential commands (local or remote) and attach an arbitrary
// value to the result. Work must honor ctx cancellation.
type Work func(ctx context.Context, host fleet.Host) *Result

// Runner executes a single command line on a single host. The SSH layer
// implements this.
type Runner interface {
	Run(ctx context.Context, host fleet.Host, command string) *Result
}

// HostError attaches host identity to the first failure seen in strict mode.
type HostError struct {
	Host string
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// Dispatcher runs work across host sets with bounded concurrency.
type Dispatcher struct {
	concurrency int
	timeout     time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the maximum number of parallel host contexts.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithTimeout sets the per-host work timeout. Zero means no per-host
// deadline beyond the caller's context.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{concurrency: 20}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes work on all hosts in parallel under the default best-effort
// policy: every host gets exactly one Result, failures included, and the
// call blocks until all hosts have completed. Results are indexed by input
// host position; no cross-host ordering is implied.
func (d *Dispatcher) Run(ctx context.Context, hosts fleet.Set, work Work) []*Result {
	results := make([]*Result, len(hosts))
	if len(hosts) == 0 {
		return results
	}

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for i, host := range hosts {
		wg.Add(1)
		go func(idx int, h fleet.Host) {
			defer wg.Done()

			// Acquire semaphore, respecting parent context cancellation.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = &Result{Host: h, Err: ctx.Err()}
				return
			}

			results[idx] = d.runOne(ctx, h, work)
		}(i, host)
	}

	wg.Wait()
	return results
}

// RunStrict executes work on all hosts in parallel and aborts on the first
// failure (by completion time, not list order). The returned error carries
// the failing host's identity. Hosts that had not completed when the
// failure was observed have nil entries in the result slice; their
// in-flight remote processes are not forcibly killed.
func (d *Dispatcher) RunStrict(ctx context.Context, hosts fleet.Set, work Work) ([]*Result, error) {
	results := make([]*Result, len(hosts))
	if len(hosts) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i, host := range hosts {
		idx, h := i, host
		g.Go(func() error {
			r := d.runOne(gctx, h, work)
			results[idx] = r
			if r.Err != nil {
				return &HostError{Host: h.ShortName(), Err: r.Err}
			}
			if r.ExitCode != 0 {
				return &HostError{Host: h.ShortName(), Err: fmt.Errorf("exit status %d", r.ExitCode)}
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// RunCommand fans a single command line out via a Runner. Convenience for
// the common "same command on every host" case.
func (d *Dispatcher) RunCommand(ctx context.Context, hosts fleet.Set, runner Runner, command string) []*Result {
	return d.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *Result {
		return runner.Run(ctx, h, command)
	})
}

// runOne executes one host's work under the per-host timeout.
func (d *Dispatcher) runOne(ctx context.Context, h fleet.Host, work Work) *Result {
	hostCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		hostCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	result := work(hostCtx, h)
	if result == nil {
		result = &Result{}
	}
	result.Host = h
	result.Duration = time.Since(start)

	// If the per-host context timed out but the work didn't report it, record it.
	if hostCtx.Err() == context.DeadlineExceeded && result.Err == nil {
		result.Err = context.DeadlineExceeded
	}

	return result
}
