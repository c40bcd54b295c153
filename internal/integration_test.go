package internal_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/report"
	"github.com/okelmann/fleet/internal/retry"
	fssh "github.com/okelmann/fleet/internal/ssh"
	"github.com/okelmann/fleet/internal/sshtest"
)

// hostRunner maps logical host names to 127.0.0.1 connections on different
// ports, so several in-process SSH servers can impersonate a fleet.
type hostRunner struct {
	baseConf  fssh.ClientConfig
	hostPorts map[string]int
	keyPath   string
}

func (r *hostRunner) Run(ctx context.Context, h fleet.Host, command string) *dispatch.Result {
	result := &dispatch.Result{Host: h}

	port, ok := r.hostPorts[h.ShortName()]
	if !ok {
		result.Err = fmt.Errorf("unknown host: %s", h.ShortName())
		return result
	}

	conf := r.baseConf
	conf.Port = port
	conf.IdentityFiles = []string{r.keyPath}

	client, err := fssh.Dial(ctx, "127.0.0.1", conf)
	if err != nil {
		result.Err = fmt.Errorf("connect: %w", err)
		return result
	}
	defer client.Close()

	result.Stdout, result.Stderr, result.ExitCode, result.Err = client.RunCommand(ctx, command)
	return result
}

func hostSet(names ...string) fleet.Set {
	set := make(fleet.Set, len(names))
	for i, n := range names {
		set[i] = fleet.Host{Name: n, Addr: n + ".example.com"}
	}
	return set
}

// Full flow: SSH servers -> runner -> dispatcher -> grouping -> rendering.
func TestPipelineGroupedOutput(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	// 3 servers: 2 identical, 1 different.
	bookworm := func(cmd string) (string, string, int) {
		return "PRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n", "", 0
	}
	addr1, cleanup1 := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(bookworm))
	defer cleanup1()
	addr2, cleanup2 := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(bookworm))
	defer cleanup2()
	addr3, cleanup3 := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "PRETTY_NAME=\"Debian GNU/Linux 11 (bullseye)\"\n", "", 0
	}))
	defer cleanup3()

	_, port1 := sshtest.ParseAddr(t, addr1)
	_, port2 := sshtest.ParseAddr(t, addr2)
	_, port3 := sshtest.ParseAddr(t, addr3)

	runner := &hostRunner{
		baseConf: fssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
		},
		hostPorts: map[string]int{"ryan": port1, "graham": port2, "bill": port3},
		keyPath:   keyPath,
	}

	d := dispatch.New(dispatch.WithConcurrency(5))
	hosts := hostSet("ryan", "graham", "bill")
	results := d.RunCommand(context.Background(), hosts, runner, "cat /etc/os-release | grep PRETTY")

	if len(results) != len(hosts) {
		t.Fatalf("got %d results, want %d", len(results), len(hosts))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("host %s error: %v", r.Host.ShortName(), r.Err)
		}
	}

	grouped := report.Group(results)
	if len(grouped.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(grouped.Groups))
	}
	norm := grouped.Groups[0]
	if !norm.IsNorm || len(norm.Hosts) != 2 {
		t.Errorf("norm group = %+v", norm)
	}
	outlier := grouped.Groups[1]
	if len(outlier.Hosts) != 1 || outlier.Hosts[0] != "bill" {
		t.Errorf("outlier group = %+v", outlier)
	}
	if outlier.Diff == "" {
		t.Error("outlier should carry a diff")
	}

	out := report.NewRenderer(false, false).RenderGrouped(grouped)
	for _, want := range []string{"2 hosts identical", "1 host differs", "3 succeeded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// A host that fails activation once must succeed on the second pass, and
// both attempts stay visible in the rendered report.
func TestPipelineTwoPassActivation(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	addrGood, cleanupGood := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "activation finished\n", "", 0
	}))
	defer cleanupGood()

	var mu sync.Mutex
	attempts := 0
	addrFlaky, cleanupFlaky := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return "", "cannot acquire lock\n", 1
		}
		return "activation finished\n", "", 0
	}))
	defer cleanupFlaky()

	_, portGood := sshtest.ParseAddr(t, addrGood)
	_, portFlaky := sshtest.ParseAddr(t, addrFlaky)

	runner := &hostRunner{
		baseConf: fssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
		},
		hostPorts: map[string]int{"ryan": portGood, "bill": portFlaky},
		keyPath:   keyPath,
	}

	d := dispatch.New(dispatch.WithConcurrency(5))
	hosts := hostSet("ryan", "bill")
	tp := retry.RunTwoPass(context.Background(), d, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		return runner.Run(ctx, h, "nixos-rebuild switch")
	})

	if !tp.OK() {
		t.Fatalf("two-pass activation did not recover: %+v", tp.Final)
	}
	if got := tp.Retried().Names(); len(got) != 1 || got[0] != "bill" {
		t.Errorf("retried hosts = %v, want [bill]", got)
	}
	if len(tp.First) != 2 || len(tp.Second) != 1 {
		t.Errorf("attempt counts: first=%d second=%d", len(tp.First), len(tp.Second))
	}

	out := report.NewRenderer(false, false).RenderActivation(tp)
	for _, want := range []string{"=== bill: ok", "first attempt failed: exit status 1", "activation succeeded on all hosts"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// An unreachable host yields a result with an error; siblings are unaffected.
func TestPipelineMixedResults(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pubKey, keyPath := sshtest.GenerateKey(t)

	addr1, cleanup1 := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "active\n", "", 0
	}))
	defer cleanup1()
	addr2, cleanup2 := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "inactive\n", "", 3
	}))
	defer cleanup2()

	_, port1 := sshtest.ParseAddr(t, addr1)
	_, port2 := sshtest.ParseAddr(t, addr2)

	runner := &hostRunner{
		baseConf: fssh.ClientConfig{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			User:            "testuser",
		},
		hostPorts: map[string]int{
			"ryan":    port1,
			"bill":    port2,
			"nardole": 1, // unreachable port
		},
		keyPath: keyPath,
	}

	d := dispatch.New(dispatch.WithConcurrency(10))
	hosts := hostSet("ryan", "bill", "nardole")
	results := d.RunCommand(context.Background(), hosts, runner, "systemctl is-active nginx")

	if len(results) != len(hosts) {
		t.Fatalf("got %d results, want %d", len(results), len(hosts))
	}
	grouped := report.Group(results)
	if len(grouped.Failed) != 1 {
		t.Errorf("failed = %d, want 1", len(grouped.Failed))
	}

	out := report.NewRenderer(false, false).RenderGrouped(grouped)
	if !strings.Contains(out, "failed") {
		t.Errorf("output should mention the failed host:\n%s", out)
	}
	if !strings.Contains(out, "non-zero exit") {
		t.Errorf("output should mention the non-zero exit:\n%s", out)
	}
}
