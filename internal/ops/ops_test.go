package ops

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands map[string][]string // host short name -> commands in order
	fail     map[string]int      // command substring -> exit code
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{commands: make(map[string][]string), fail: make(map[string]int)}
}

func (f *fakeRunner) Run(ctx context.Context, h fleet.Host, command string) *dispatch.Result {
	f.mu.Lock()
	f.commands[h.ShortName()] = append(f.commands[h.ShortName()], command)
	f.mu.Unlock()
	res := &dispatch.Result{Host: h}
	for sub, code := range f.fail {
		if strings.Contains(command, sub) {
			res.ExitCode = code
		}
	}
	return res
}

// pingExec flips each host to unreachable for a few polls, then back up.
type pingExec struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *pingExec) Exec(ctx context.Context, cmd cmdutil.Command) (local.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	addr := cmd.Argv[len(cmd.Argv)-1]
	p.calls[addr]++
	// first poll: still up; second: down; third onwards: up again
	if p.calls[addr] == 2 {
		return local.Output{ExitCode: 1}, nil
	}
	return local.Output{}, nil
}

var testHosts = fleet.Set{
	{Addr: "ryan.dse.in.tum.de"},
	{Addr: "bill.dse.in.tum.de"},
}

func TestRunFansOut(t *testing.T) {
	runner := newFakeRunner()
	o := New(runner, dispatch.New(), &pingExec{}, zerolog.Nop())

	results, err := o.Run(context.Background(), testHosts, "uptime", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, h := range testHosts {
		got := runner.commands[h.ShortName()]
		if len(got) != 1 || got[0] != "uptime" {
			t.Errorf("%s ran %v, want [uptime]", h.ShortName(), got)
		}
	}
}

func TestRunStrictReturnsError(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["uptime"] = 7
	o := New(runner, dispatch.New(), &pingExec{}, zerolog.Nop())

	_, err := o.Run(context.Background(), testHosts, "uptime", true)
	if err == nil {
		t.Fatal("expected strict mode to surface the failure")
	}
}

func TestCleanupGCRoots(t *testing.T) {
	runner := newFakeRunner()
	o := New(runner, dispatch.New(), &pingExec{}, zerolog.Nop())

	results := o.CleanupGCRoots(context.Background(), testHosts)
	if fails := dispatch.Failed(results); len(fails) != 0 {
		t.Fatalf("unexpected failures: %v", fails)
	}
	for _, h := range testHosts {
		got := runner.commands[h.ShortName()]
		if len(got) != 2 ||
			!strings.Contains(got[0], "gcroots/auto") ||
			got[1] != "systemctl restart nix-gc" {
			t.Errorf("%s ran %v", h.ShortName(), got)
		}
	}
}

// A failed gcroots delete must not restart the collector on that host.
func TestCleanupGCRootsStopsAfterFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["gcroots"] = 1
	o := New(runner, dispatch.New(), &pingExec{}, zerolog.Nop())

	results := o.CleanupGCRoots(context.Background(), testHosts)
	if fails := dispatch.Failed(results); len(fails) != 2 {
		t.Fatalf("got %d failures, want 2", len(fails))
	}
	for _, h := range testHosts {
		if got := runner.commands[h.ShortName()]; len(got) != 1 {
			t.Errorf("%s ran %v, want delete only", h.ShortName(), got)
		}
	}
}

func TestReboot(t *testing.T) {
	runner := newFakeRunner()
	ping := &pingExec{}
	o := New(runner, dispatch.New(), ping, zerolog.Nop())

	if err := o.Reboot(context.Background(), testHosts); err != nil {
		t.Fatal(err)
	}
	for _, h := range testHosts {
		got := runner.commands[h.ShortName()]
		if len(got) != 1 || got[0] != "reboot &" {
			t.Errorf("%s ran %v, want [reboot &]", h.ShortName(), got)
		}
		// at least one down poll and one up poll
		if ping.calls[h.Addr] < 3 {
			t.Errorf("%s pinged %d times, want >= 3", h.ShortName(), ping.calls[h.Addr])
		}
	}
}
