package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/runs"
	"github.com/basket/turngate/internal/scope"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Pinger is satisfied by runs.DockerSpawner.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DockerDialer opens a docker connection for the sandbox check. Tests
// replace it to avoid needing a daemon.
var DockerDialer = func(cfg config.Config) (Pinger, func(), error) {
	d, err := runs.NewDockerSpawner(cfg.Sandbox, cfg.RepoRoot, nil)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { _ = d.Close() }, nil
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkRepository,
		checkAgentRuntime,
		checkScope,
		checkCommands,
		checkSandbox,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use",
			Detail: fmt.Sprintf("Run turngate once to write a starter config into %s", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	pending, err := store.CountProposals(ctx, persistence.ProposalPending)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: fmt.Sprintf("%d pending proposals", pending)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkRepository verifies the repo root and the git binary used to apply
// approved proposals.
func checkRepository(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Repository", Status: StatusSkip, Message: "Config missing"}
	}
	info, err := os.Stat(cfg.RepoRoot)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Repository", Status: StatusFail, Message: fmt.Sprintf("repo_root %s is not a directory", cfg.RepoRoot)}
	}
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "Repository", Status: StatusFail, Message: "git missing (required to apply proposals)"}
	}
	cmd := exec.CommandContext(ctx, "git", "-C", cfg.RepoRoot, "rev-parse", "--is-inside-work-tree")
	if out, err := cmd.Output(); err != nil || strings.TrimSpace(string(out)) != "true" {
		return CheckResult{Name: "Repository", Status: StatusWarn, Message: fmt.Sprintf("%s is not a git work tree", cfg.RepoRoot),
			Detail: "Approved proposals are applied with git apply and need a work tree"}
	}
	return CheckResult{Name: "Repository", Status: StatusPass, Message: cfg.RepoRoot}
}

func checkAgentRuntime(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Runtime", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		return CheckResult{Name: "Agent Runtime", Status: StatusFail, Message: "agent.command is not set",
			Detail: "Set agent.command in config.yaml to the runtime binary that speaks the app-server protocol"}
	}
	path, err := exec.LookPath(cfg.Agent.Command)
	if err != nil {
		return CheckResult{Name: "Agent Runtime", Status: StatusFail, Message: fmt.Sprintf("%s not found on PATH", cfg.Agent.Command)}
	}
	return CheckResult{Name: "Agent Runtime", Status: StatusPass, Message: path}
}

func checkScope(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Scope", Status: StatusSkip, Message: "Config missing"}
	}
	if err := scope.Validate(cfg.RepoRoot, cfg.Scope); err != nil {
		return CheckResult{Name: "Scope", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Scope", Status: StatusPass,
		Message: fmt.Sprintf("%d domains, %d loops", len(cfg.Scope.Domains), len(cfg.Scope.Loops))}
}

// checkCommands compiles the allow-list and reports host binaries that are
// missing from PATH.
func checkCommands(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Commands", Status: StatusSkip, Message: "Config missing"}
	}
	policy, err := runs.NewPolicy(cfg.Commands, cfg.BlockedPatterns)
	if err != nil {
		return CheckResult{Name: "Commands", Status: StatusFail, Message: err.Error()}
	}
	var details []string
	status := StatusPass
	allowed := 0
	for _, c := range policy.List() {
		if !c.Allowed {
			details = append(details, fmt.Sprintf("%s: blocked (%s)", c.ID, c.BlockedBy))
			continue
		}
		allowed++
		if c.Sandbox {
			continue
		}
		if _, err := exec.LookPath(c.Command); err != nil {
			details = append(details, fmt.Sprintf("%s: %s not on PATH", c.ID, c.Command))
			status = StatusWarn
		}
	}
	return CheckResult{
		Name:    "Commands",
		Status:  status,
		Message: fmt.Sprintf("%d of %d commands runnable", allowed, len(cfg.Commands)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Config missing"}
	}
	needed := false
	for _, c := range cfg.Commands {
		if c.Sandbox && !c.Disabled {
			needed = true
			break
		}
	}
	if !needed {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "No sandboxed commands configured"}
	}
	pinger, closeFn, err := DockerDialer(*cfg)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: fmt.Sprintf("docker client: %v", err)}
	}
	defer closeFn()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pinger.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "docker daemon reachable", Detail: "image " + cfg.Sandbox.Image}
}
