package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StarterCommands returns the allow-list written into a fresh config.yaml.
// The lint entry ships disabled so operators opt in explicitly.
func StarterCommands() []CommandConfig {
	return []CommandConfig{
		{ID: "test", Command: "go", Args: []string{"test", "./..."}},
		{ID: "build", Command: "go", Args: []string{"build", "./..."}},
		{ID: "lint", Command: "golangci-lint", Args: []string{"run"}, Disabled: true},
	}
}

// StarterBlockedPatterns refuses destructive commands regardless of allow-list.
func StarterBlockedPatterns() []string {
	return []string{
		`rm\s+-rf\s+/`,
		`git\s+push\s+.*--force`,
		`curl\s+.*\|\s*(ba)?sh`,
	}
}

// WriteStarter writes a starter config.yaml if none exists and reports whether it did.
func WriteStarter(homeDir, repoRoot string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	cfg := defaultConfig()
	cfg.RepoRoot = repoRoot
	cfg.Scope.DefaultRoots = []string{".turngate/scratch"}
	cfg.Scope.Deny = []string{".git/**", "**/.env"}
	cfg.Commands = StarterCommands()
	cfg.BlockedPatterns = StarterBlockedPatterns()

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal starter config: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create turngate home: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
