package doctor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/turngate/internal/config"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		RepoRoot: t.TempDir(),
		DBPath:   filepath.Join(home, "turngate.db"),
		Agent:    config.AgentConfig{Command: "sh"},
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatalf("nil config must fail the diagnosis")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP with nil config, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckDatabase_OpensStore(t *testing.T) {
	res := checkDatabase(context.Background(), testConfig(t))
	if res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}
	if !strings.Contains(res.Detail, "0 pending") {
		t.Fatalf("detail = %q", res.Detail)
	}
}

func TestCheckAgentRuntime(t *testing.T) {
	cfg := testConfig(t)
	if res := checkAgentRuntime(context.Background(), cfg); res.Status != StatusPass {
		t.Fatalf("sh should resolve, got %+v", res)
	}
	cfg.Agent.Command = "definitely-not-a-real-binary-xyz"
	if res := checkAgentRuntime(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("missing binary should fail, got %+v", res)
	}
	cfg.Agent.Command = ""
	if res := checkAgentRuntime(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("unset command should fail, got %+v", res)
	}
}

func TestCheckScope_RejectsBadDenyPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scope.Deny = []string{"site/[abc"}
	if res := checkScope(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("invalid deny glob should fail, got %+v", res)
	}
	cfg.Scope.Deny = []string{".git/**"}
	cfg.Scope.Domains = map[string]config.DomainConfig{"web": {Roots: []string{"site"}}}
	if res := checkScope(context.Background(), cfg); res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}
}

func TestCheckCommands(t *testing.T) {
	cfg := testConfig(t)
	cfg.Commands = []config.CommandConfig{
		{ID: "echo", Command: "sh", Args: []string{"-c", "echo hi"}},
		{ID: "lint", Command: "golangci-lint", Disabled: true},
		{ID: "ghost", Command: "definitely-not-a-real-binary-xyz"},
	}
	res := checkCommands(context.Background(), cfg)
	if res.Status != StatusWarn {
		t.Fatalf("missing binary should warn, got %+v", res)
	}
	if !strings.Contains(res.Detail, "lint: blocked (disabled-id)") || !strings.Contains(res.Detail, "ghost:") {
		t.Fatalf("detail = %q", res.Detail)
	}

	cfg.BlockedPatterns = []string{"("}
	if res := checkCommands(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("invalid pattern should fail, got %+v", res)
	}
}

func TestCheckSandbox(t *testing.T) {
	orig := DockerDialer
	t.Cleanup(func() { DockerDialer = orig })

	cfg := testConfig(t)
	if res := checkSandbox(context.Background(), cfg); res.Status != StatusSkip {
		t.Fatalf("no sandboxed commands should skip, got %+v", res)
	}

	cfg.Commands = []config.CommandConfig{{ID: "test", Command: "go", Sandbox: true}}
	DockerDialer = func(config.Config) (Pinger, func(), error) {
		return fakePinger{err: errors.New("connection refused")}, func() {}, nil
	}
	if res := checkSandbox(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("unreachable daemon should fail, got %+v", res)
	}

	DockerDialer = func(config.Config) (Pinger, func(), error) { return fakePinger{}, func() {}, nil }
	if res := checkSandbox(context.Background(), cfg); res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}
}
