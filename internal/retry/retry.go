// Package retry formalizes the retry behavior of fleet operations: a Policy
// value for single operations and the two-pass fan-out used by configuration
// activation.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
)

// Policy describes how an operation may be retried.
type Policy struct {
	MaxAttempts     uint64           // total attempts, including the first
	InitialInterval time.Duration    // first backoff interval; zero uses the backoff default
	MaxInterval     time.Duration    // cap on the backoff interval; zero uses the backoff default
	Retryable       func(error) bool // nil means every error qualifies
}

// Once is the no-retry policy, for operations where retrying is never
// useful (secret decryption).
var Once = Policy{MaxAttempts: 1}

// Do runs op under the policy with exponential backoff between attempts.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	wrapped := func() error {
		err := op()
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}

// TwoPass holds the outcome of a fan-out with one full retry pass.
// Both attempts' results stay retrievable.
type TwoPass struct {
	First  []*dispatch.Result // one per input host
	Second []*dispatch.Result // one per first-pass failure, in input order
	Final  []*dispatch.Result // per input host: first-pass result, or its retry
}

// OK reports whether every host ended up successful.
func (tp *TwoPass) OK() bool {
	return dispatch.AllOK(tp.Final)
}

// Retried returns the hosts that needed a second pass.
func (tp *TwoPass) Retried() fleet.Set {
	var out fleet.Set
	for _, r := range tp.Second {
		out = append(out, r.Host)
	}
	return out
}

// RunTwoPass fans work out over hosts, waits for every host to finish, then
// re-runs the identical work once over the hosts that failed. The retry is
// deliberately a second full fan-out after all first-pass results are known
// rather than an inline re-attempt: a half-applied activation must not be
// re-entered while the first attempt could still hold locks, and transient
// network failures get time to clear.
func RunTwoPass(ctx context.Context, d *dispatch.Dispatcher, hosts fleet.Set, work dispatch.Work) *TwoPass {
	first := d.Run(ctx, hosts, work)

	tp := &TwoPass{
		First: first,
		Final: append([]*dispatch.Result(nil), first...),
	}

	var failedHosts fleet.Set
	var failedIdx []int
	for i, r := range first {
		if r.Failed() {
			failedHosts = append(failedHosts, r.Host)
			failedIdx = append(failedIdx, i)
		}
	}
	if len(failedHosts) == 0 {
		return tp
	}

	tp.Second = d.Run(ctx, failedHosts, work)
	for j, i := range failedIdx {
		tp.Final[i] = tp.Second[j]
	}
	return tp
}
