package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okelmann/fleet/internal/fleet"
)

func hostSet(names ...string) fleet.Set {
	set := make(fleet.Set, len(names))
	for i, n := range names {
		set[i] = fleet.Host{Addr: n}
	}
	return set
}

func TestRun_Success(t *testing.T) {
	work := func(ctx context.Context, h fleet.Host) *Result {
		return &Result{Stdout: []byte("hello from " + h.Addr)}
	}

	d := New()
	hosts := hostSet("host-a", "host-b", "host-c")
	results := d.Run(context.Background(), hosts, work)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Host.Addr != hosts[i].Addr {
			t.Errorf("result[%d]: expected host %q, got %q", i, hosts[i].Addr, r.Host.Addr)
		}
		if r.Err != nil {
			t.Errorf("result[%d]: unexpected error: %v", i, r.Err)
		}
		expected := "hello from " + hosts[i].Addr
		if string(r.Stdout) != expected {
			t.Errorf("result[%d]: stdout %q, want %q", i, r.Stdout, expected)
		}
		if r.Duration == 0 {
			t.Errorf("result[%d]: duration should be non-zero", i)
		}
	}
}

func TestRun_FailuresDoNotCancelSiblings(t *testing.T) {
	// One host fails fast; every other host must still complete and the
	// dispatch must return exactly N results.
	var completed atomic.Int32
	work := func(ctx context.Context, h fleet.Host) *Result {
		if h.Addr == "bad" {
			return &Result{Err: errors.New("connection refused")}
		}
		select {
		case <-time.After(20 * time.Millisecond):
			completed.Add(1)
			return &Result{ExitCode: 0}
		case <-ctx.Done():
			return &Result{Err: ctx.Err()}
		}
	}

	d := New()
	hosts := hostSet("a", "bad", "b", "c")
	results := d.Run(context.Background(), hosts, work)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if completed.Load() != 3 {
		t.Errorf("expected 3 siblings to finish, got %d", completed.Load())
	}
	if failed := Failed(results); len(failed) != 1 || failed[0].Host.Addr != "bad" {
		t.Errorf("Failed() = %v", failed)
	}
	if AllOK(results) {
		t.Error("AllOK should be false with a failed host")
	}
}

func TestRun_NonZeroExitIsCaptured(t *testing.T) {
	work := func(ctx context.Context, h fleet.Host) *Result {
		return &Result{ExitCode: 2, Stderr: []byte("boom")}
	}

	d := New()
	results := d.Run(context.Background(), hostSet("a"), work)
	if results[0].Err != nil {
		t.Errorf("exit status must not surface as an error under default policy, got %v", results[0].Err)
	}
	if !results[0].Failed() {
		t.Error("non-zero exit should count as failed")
	}
}

func TestRun_ConcurrencyLimiting(t *testing.T) {
	var running, maxRunning atomic.Int32

	work := func(ctx context.Context, h fleet.Host) *Result {
		cur := running.Add(1)
		for {
			prev := maxRunning.Load()
			if cur <= prev || maxRunning.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return &Result{}
	}

	d := New(WithConcurrency(2))
	results := d.Run(context.Background(), hostSet("a", "b", "c", "d"), work)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	peak := maxRunning.Load()
	if peak > 2 {
		t.Errorf("expected max concurrency of 2, but %d ran simultaneously", peak)
	}
	if peak < 2 {
		t.Errorf("expected concurrency to reach 2, peak was %d", peak)
	}
}

func TestRun_PerHostTimeout(t *testing.T) {
	work := func(ctx context.Context, h fleet.Host) *Result {
		select {
		case <-time.After(5 * time.Second):
			return &Result{Stdout: []byte("done")}
		case <-ctx.Done():
			return &Result{Err: ctx.Err()}
		}
	}

	d := New(WithTimeout(50 * time.Millisecond))
	results := d.Run(context.Background(), hostSet("slow-host"), work)

	if results[0].Err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", results[0].Err)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	var started atomic.Int32
	work := func(ctx context.Context, h fleet.Host) *Result {
		started.Add(1)
		select {
		case <-time.After(10 * time.Second):
			return &Result{}
		case <-ctx.Done():
			return &Result{Err: ctx.Err()}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := New()

	done := make(chan []*Result, 1)
	go func() {
		done <- d.Run(ctx, hostSet("host-1", "host-2"), work)
	}()

	for started.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	results := <-done
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("host %q: expected cancellation error, got nil", r.Host.Addr)
		}
	}
}

func TestRun_ZeroHosts(t *testing.T) {
	work := func(ctx context.Context, h fleet.Host) *Result {
		t.Fatal("work should not run with zero hosts")
		return nil
	}

	d := New()
	if results := d.Run(context.Background(), nil, work); len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestRun_CallbackValue(t *testing.T) {
	work := func(ctx context.Context, h fleet.Host) *Result {
		return &Result{Value: len(h.Addr)}
	}

	d := New()
	results := d.Run(context.Background(), hostSet("abc"), work)
	if v, ok := results[0].Value.(int); !ok || v != 3 {
		t.Errorf("Value = %v", results[0].Value)
	}
}

func TestRunStrict_FirstFailureAborts(t *testing.T) {
	// "fast-fail" fails almost immediately; "slow" should observe the group
	// cancellation rather than finishing its ten second sleep.
	work := func(ctx context.Context, h fleet.Host) *Result {
		switch h.Addr {
		case "fast-fail":
			return &Result{Err: errors.New("no route to host")}
		default:
			select {
			case <-time.After(10 * time.Second):
				return &Result{}
			case <-ctx.Done():
				return &Result{Err: ctx.Err()}
			}
		}
	}

	d := New()
	start := time.Now()
	results, err := d.RunStrict(context.Background(), hostSet("slow", "fast-fail"), work)
	if time.Since(start) > 5*time.Second {
		t.Fatal("strict dispatch did not abort on first failure")
	}

	if err == nil {
		t.Fatal("expected error from strict dispatch")
	}
	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("expected HostError, got %T: %v", err, err)
	}
	if hostErr.Host != "fast-fail" {
		t.Errorf("HostError.Host = %q, want fast-fail", hostErr.Host)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 result slots, got %d", len(results))
	}
}

func TestRunStrict_NonZeroExitFails(t *testing.T) {
	work := func(ctx context.Context, h fleet.Host) *Result {
		return &Result{ExitCode: 3}
	}

	d := New()
	_, err := d.RunStrict(context.Background(), hostSet("a"), work)
	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("expected HostError, got %v", err)
	}
	if want := "a: exit status 3"; hostErr.Error() != want {
		t.Errorf("error = %q, want %q", hostErr.Error(), want)
	}
}

func TestRunStrict_AllOK(t *testing.T) {
	work := func(ctx context.Context, h fleet.Host) *Result {
		return &Result{Stdout: []byte("ok")}
	}

	d := New()
	results, err := d.RunStrict(context.Background(), hostSet("a", "b", "c"), work)
	if err != nil {
		t.Fatalf("RunStrict: %v", err)
	}
	if !AllOK(results) {
		t.Error("expected all hosts OK")
	}
}

func TestRunCommand(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, h fleet.Host, command string) *Result {
		return &Result{Stdout: []byte(fmt.Sprintf("%s ran %q", h.Addr, command))}
	})

	d := New()
	results := d.RunCommand(context.Background(), hostSet("a", "b"), runner, "uptime")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if got := string(results[1].Stdout); got != `b ran "uptime"` {
		t.Errorf("stdout = %q", got)
	}
}

type runnerFunc func(ctx context.Context, h fleet.Host, command string) *Result

func (f runnerFunc) Run(ctx context.Context, h fleet.Host, command string) *Result {
	return f(ctx, h, command)
}
