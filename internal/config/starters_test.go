package config

import (
	"os"
	"regexp"
	"testing"
)

func TestStarterCommands_UniqueIDs(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range StarterCommands() {
		if c.ID == "" || c.Command == "" {
			t.Fatalf("starter command missing id or command: %+v", c)
		}
		if seen[c.ID] {
			t.Fatalf("duplicate starter id %q", c.ID)
		}
		seen[c.ID] = true
	}
}

func TestStarterBlockedPatterns_Compile(t *testing.T) {
	for _, p := range StarterBlockedPatterns() {
		if _, err := regexp.Compile(p); err != nil {
			t.Fatalf("pattern %q does not compile: %v", p, err)
		}
	}
}

func TestWriteStarter_OnlyOnce(t *testing.T) {
	home := t.TempDir()
	wrote, err := WriteStarter(home, "/srv/repo")
	if err != nil {
		t.Fatalf("write starter: %v", err)
	}
	if !wrote {
		t.Fatal("expected starter config to be written")
	}
	if err := os.WriteFile(ConfigPath(home), []byte("bind_addr: 127.0.0.1:9\n"), 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	wrote, err = WriteStarter(home, "/srv/repo")
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if wrote {
		t.Fatal("expected existing config to be preserved")
	}
}

func TestWriteStarter_Loads(t *testing.T) {
	home := t.TempDir()
	repo := t.TempDir()
	if _, err := WriteStarter(home, repo); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load starter: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=false after starter write")
	}
	if cfg.RepoRoot != repo {
		t.Fatalf("repo root = %q, want %q", cfg.RepoRoot, repo)
	}
	lint, ok := cfg.Command("lint")
	if !ok || !lint.Disabled {
		t.Fatalf("expected disabled lint command, got %+v ok=%v", lint, ok)
	}
}
