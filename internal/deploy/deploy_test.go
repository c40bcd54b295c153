package deploy

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/config"
	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/local"
)

// fakeExec records local invocations and returns scripted outputs keyed by
// program name.
type fakeExec struct {
	mu       sync.Mutex
	commands []cmdutil.Command
	handler  func(cmd cmdutil.Command) (local.Output, error)
}

func (f *fakeExec) Exec(ctx context.Context, cmd cmdutil.Command) (local.Output, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(cmd)
	}
	return local.Output{}, nil
}

func (f *fakeExec) recorded(program string) []cmdutil.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cmdutil.Command
	for _, c := range f.commands {
		if c.Program() == program {
			out = append(out, c)
		}
	}
	return out
}

// fakeRunner scripts remote command outcomes per host.
type fakeRunner struct {
	mu       sync.Mutex
	commands map[string][]string // host addr -> commands run
	handler  func(h fleet.Host, command string) *dispatch.Result
}

func (f *fakeRunner) Run(ctx context.Context, h fleet.Host, command string) *dispatch.Result {
	f.mu.Lock()
	if f.commands == nil {
		f.commands = map[string][]string{}
	}
	f.commands[h.Addr] = append(f.commands[h.Addr], command)
	f.mu.Unlock()
	if f.handler != nil {
		r := f.handler(h, command)
		r.Host = h
		return r
	}
	return &dispatch.Result{Host: h}
}

func testDefaults() config.Defaults {
	return config.DefaultConfig().Defaults
}

func newTestDeployer(exec *fakeExec, runner *fakeRunner) *Deployer {
	return New(testDefaults(), exec, runner, dispatch.New(), zerolog.Nop())
}

func TestResolveFlake(t *testing.T) {
	exec := &fakeExec{handler: func(cmd cmdutil.Command) (local.Output, error) {
		return local.Output{Stdout: []byte(`{"path":"/nix/store/abc-source","revision":"deadbeef"}`)}, nil
	}}
	d := newTestDeployer(exec, &fakeRunner{})

	path, err := d.ResolveFlake(context.Background())
	if err != nil {
		t.Fatalf("ResolveFlake: %v", err)
	}
	if path != "/nix/store/abc-source" {
		t.Errorf("path = %q", path)
	}
	nix := exec.recorded("nix")
	if len(nix) != 1 || !reflect.DeepEqual(nix[0].Argv, []string{"nix", "flake", "metadata", "--json", "."}) {
		t.Errorf("nix invocation = %v", nix)
	}
}

func TestResolveFlake_Failure(t *testing.T) {
	exec := &fakeExec{handler: func(cmd cmdutil.Command) (local.Output, error) {
		return local.Output{ExitCode: 1, Stderr: []byte("error: flake not found")}, nil
	}}
	d := newTestDeployer(exec, &fakeRunner{})
	if _, err := d.ResolveFlake(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRsyncCommand(t *testing.T) {
	h := fleet.Host{Addr: "ryan.dse.in.tum.de"}
	cmd := RsyncCommand(h, "/nix/store/abc-source", "/etc/nixos")
	want := []string{
		"rsync", "--checksum", "-vaF", "--delete", "-e", "ssh",
		"/nix/store/abc-source/", "root@ryan.dse.in.tum.de:/etc/nixos",
	}
	if !reflect.DeepEqual(cmd.Argv, want) {
		t.Errorf("argv = %v\nwant %v", cmd.Argv, want)
	}
}

func TestSwitchCommand(t *testing.T) {
	defaults := testDefaults()

	plain := fleet.Host{Addr: "ryan.dse.in.tum.de"}
	got := SwitchCommand(plain, defaults)
	want := []string{
		"nixos-rebuild", "switch", "--fast",
		"--option", "accept-flake-config", "true",
		"--flake", "/etc/nixos",
		"--option", "keep-going", "true",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v", got)
	}

	// Push-then-remote-apply: activation runs against a different physical
	// machine than the sync destination.
	ruby := fleet.Host{
		Addr: "graham.dse.in.tum.de",
		Meta: map[string]string{
			fleet.MetaTargetHost: "ruby.r",
			fleet.MetaTargetUser: "root",
			fleet.MetaFlakeAttr:  "ruby",
			fleet.MetaConfigDir:  "/var/lib/nixos-config",
		},
	}
	got = SwitchCommand(ruby, defaults)
	if got[7] != "/var/lib/nixos-config#ruby" {
		t.Errorf("flake ref = %q", got[7])
	}
	if got[len(got)-2] != "--target-host" || got[len(got)-1] != "root@ruby.r" {
		t.Errorf("target host args = %v", got[len(got)-2:])
	}
}

func TestDeploy_SyncFailureSkipsActivation(t *testing.T) {
	exec := &fakeExec{handler: func(cmd cmdutil.Command) (local.Output, error) {
		if cmd.Program() == "nix" {
			return local.Output{Stdout: []byte(`{"path":"/nix/store/src"}`)}, nil
		}
		// rsync: fail for astrid only.
		if strings.Contains(cmd.String(), "astrid") {
			return local.Output{ExitCode: 12, Stderr: []byte("connection unexpectedly closed")}, nil
		}
		return local.Output{}, nil
	}}
	runner := &fakeRunner{}
	d := newTestDeployer(exec, runner)

	hosts := fleet.Set{
		{Addr: "astrid.dse.in.tum.de"},
		{Addr: "ryan.dse.in.tum.de"},
	}
	report, err := d.Deploy(context.Background(), hosts)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if report.OK() {
		t.Error("report should not be OK with a failed sync")
	}
	if len(runner.commands["astrid.dse.in.tum.de"]) != 0 {
		t.Error("activation must not run on a host whose sync failed")
	}
	if len(runner.commands["ryan.dse.in.tum.de"]) != 1 {
		t.Errorf("ryan activations = %v", runner.commands["ryan.dse.in.tum.de"])
	}
}

func TestDeploy_ActivationRetriedOnce(t *testing.T) {
	exec := &fakeExec{handler: func(cmd cmdutil.Command) (local.Output, error) {
		if cmd.Program() == "nix" {
			return local.Output{Stdout: []byte(`{"path":"/nix/store/src"}`)}, nil
		}
		return local.Output{}, nil
	}}

	var mu sync.Mutex
	attempts := map[string]int{}
	runner := &fakeRunner{handler: func(h fleet.Host, command string) *dispatch.Result {
		mu.Lock()
		attempts[h.Addr]++
		n := attempts[h.Addr]
		mu.Unlock()
		if h.Addr == "flaky.example" && n == 1 {
			return &dispatch.Result{ExitCode: 1, Stderr: []byte("nix-daemon lock")}
		}
		return &dispatch.Result{Stdout: []byte("activated")}
	}}

	d := newTestDeployer(exec, runner)
	hosts := fleet.Set{{Addr: "flaky.example"}, {Addr: "stable.example"}}

	report, err := d.Deploy(context.Background(), hosts)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !report.OK() {
		t.Error("report should be OK after successful retry")
	}
	if attempts["flaky.example"] != 2 {
		t.Errorf("flaky attempts = %d, want 2", attempts["flaky.example"])
	}
	if attempts["stable.example"] != 1 {
		t.Errorf("stable attempts = %d, want 1", attempts["stable.example"])
	}

	// The retry reuses the identical command.
	cmds := runner.commands["flaky.example"]
	if len(cmds) != 2 || cmds[0] != cmds[1] {
		t.Errorf("retry must reuse the identical command: %v", cmds)
	}
}

func TestDeployLocal(t *testing.T) {
	exec := &fakeExec{}
	d := newTestDeployer(exec, &fakeRunner{})

	if err := d.DeployLocal(context.Background()); err != nil {
		t.Fatalf("DeployLocal: %v", err)
	}
	switches := exec.recorded("nixos-rebuild")
	if len(switches) != 1 {
		t.Fatalf("invocations = %v", switches)
	}
	want := []string{
		"nixos-rebuild", "switch",
		"--option", "accept-flake-config", "true",
		"--flake", ".#",
	}
	if !reflect.DeepEqual(switches[0].Argv, want) {
		t.Errorf("argv = %v", switches[0].Argv)
	}
}

func TestFlakeCheck(t *testing.T) {
	exec := &fakeExec{handler: func(cmd cmdutil.Command) (local.Output, error) {
		return local.Output{ExitCode: 1, Stderr: []byte("check failed")}, nil
	}}
	d := newTestDeployer(exec, &fakeRunner{})

	err := d.FlakeCheck(context.Background())
	if err == nil {
		t.Fatal("expected error from failing check")
	}
	nix := exec.recorded("nix")
	want := []string{"nix", "flake", "check", "--option", "allow-import-from-derivation", "true", "."}
	if len(nix) != 1 || !reflect.DeepEqual(nix[0].Argv, want) {
		t.Errorf("nix invocation = %v", nix)
	}
}

func TestBuildLocal(t *testing.T) {
	exec := &fakeExec{}
	d := newTestDeployer(exec, &fakeRunner{})

	hosts := fleet.Set{{Addr: "ryan.dse.in.tum.de"}}
	results := d.BuildLocal(context.Background(), hosts)
	if len(results) != 1 || results[0].Failed() {
		t.Fatalf("results = %+v", results)
	}

	builds := exec.recorded("nixos-rebuild")
	if len(builds) != 1 {
		t.Fatalf("builds = %v", builds)
	}
	if got := builds[0].Argv[len(builds[0].Argv)-1]; got != ".#ryan" {
		t.Errorf("flake arg = %q", got)
	}
}
