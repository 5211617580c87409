package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DomainConfig lists the roots one content domain may touch.
type DomainConfig struct {
	Roots []string `yaml:"roots"`
}

// LoopConfig binds an agent loop to its own roots.
type LoopConfig struct {
	Roots []string `yaml:"roots"`
}

type ScopeConfig struct {
	// DefaultRoots apply to unknown domains. Empty falls back to <repo>/.turngate/scratch.
	DefaultRoots []string                `yaml:"default_roots"`
	Deny         []string                `yaml:"deny"`
	Domains      map[string]DomainConfig `yaml:"domains"`
	Loops        map[string]LoopConfig   `yaml:"loops"`

	OverrideDefaultTTLMinutes int `yaml:"override_default_ttl_minutes"`
	OverrideMaxTTLMinutes     int `yaml:"override_max_ttl_minutes"`
}

// AgentConfig describes how to launch the agent runtime child process.
type AgentConfig struct {
	Command                 string            `yaml:"command"`
	Args                    []string          `yaml:"args"`
	Env                     map[string]string `yaml:"env"`
	ClientName              string            `yaml:"client_name"`
	HandshakeTimeoutSeconds int               `yaml:"handshake_timeout_seconds"`
}

// CommandConfig is one allow-listed command.
type CommandConfig struct {
	ID       string   `yaml:"id"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Workdir  string   `yaml:"workdir"`
	Disabled bool     `yaml:"disabled"`
	Sandbox  bool     `yaml:"sandbox"`
}

type SandboxConfig struct {
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RateLimitConfig throttles mutating API calls per client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	RepoRoot  string `yaml:"repo_root"`
	DBPath    string `yaml:"db_path"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists browser origins accepted for CORS and WebSocket
	// upgrades. Empty means same-origin only.
	AllowOrigins []string        `yaml:"allow_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`

	Scope           ScopeConfig     `yaml:"scope"`
	Agent           AgentConfig     `yaml:"agent"`
	Commands        []CommandConfig `yaml:"commands"`
	BlockedPatterns []string        `yaml:"blocked_patterns"`
	Sandbox         SandboxConfig   `yaml:"sandbox"`

	SweepSchedule        string `yaml:"sweep_schedule"`
	TurnRetentionMinutes int    `yaml:"turn_retention_minutes"`
	RunRetentionMinutes  int    `yaml:"run_retention_minutes"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect policy.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|repo=%s|default=%v|deny=%v|blocked=%v|ttl=%d/%d",
		c.BindAddr, c.LogLevel, c.RepoRoot, c.Scope.DefaultRoots, c.Scope.Deny, c.BlockedPatterns,
		c.Scope.OverrideDefaultTTLMinutes, c.Scope.OverrideMaxTTLMinutes)
	for _, name := range sortedKeys(c.Scope.Domains) {
		fmt.Fprintf(h, "|d:%s=%v", name, c.Scope.Domains[name].Roots)
	}
	for _, id := range sortedKeys(c.Scope.Loops) {
		fmt.Fprintf(h, "|l:%s=%v", id, c.Scope.Loops[id].Roots)
	}
	for _, cmd := range c.Commands {
		fmt.Fprintf(h, "|c:%s=%s %v disabled=%t sandbox=%t", cmd.ID, cmd.Command, cmd.Args, cmd.Disabled, cmd.Sandbox)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Command looks up an allow-list entry by id.
func (c Config) Command(id string) (CommandConfig, bool) {
	for _, cmd := range c.Commands {
		if cmd.ID == id {
			return cmd, true
		}
	}
	return CommandConfig{}, false
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Scope: ScopeConfig{
			OverrideDefaultTTLMinutes: 30,
			OverrideMaxTTLMinutes:     240,
		},
		Agent: AgentConfig{
			ClientName:              "turngate",
			HandshakeTimeoutSeconds: 20,
		},
		Sandbox: SandboxConfig{
			Image:    "golang:1.24-bookworm",
			MemoryMB: 512,
			Network:  "none",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		SweepSchedule:        "@every 1m",
		TurnRetentionMinutes: 60,
		RunRetentionMinutes:  60,
		DrainTimeoutSeconds:  5,
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "turngate",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TURNGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turngate")
}

// Load reads config.yaml from HomeDir, then applies env overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create turngate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := normalize(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) error {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.RepoRoot) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve repo_root: %w", err)
		}
		cfg.RepoRoot = wd
	}
	abs, err := filepath.Abs(expandHome(cfg.RepoRoot))
	if err != nil {
		return fmt.Errorf("resolve repo_root: %w", err)
	}
	cfg.RepoRoot = abs
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "turngate.db")
	}
	if cfg.Scope.OverrideMaxTTLMinutes <= 0 {
		cfg.Scope.OverrideMaxTTLMinutes = 240
	}
	if cfg.Scope.OverrideDefaultTTLMinutes <= 0 {
		cfg.Scope.OverrideDefaultTTLMinutes = 30
	}
	if cfg.Scope.OverrideDefaultTTLMinutes > cfg.Scope.OverrideMaxTTLMinutes {
		cfg.Scope.OverrideDefaultTTLMinutes = cfg.Scope.OverrideMaxTTLMinutes
	}
	if cfg.Agent.ClientName == "" {
		cfg.Agent.ClientName = "turngate"
	}
	if cfg.Agent.HandshakeTimeoutSeconds <= 0 {
		cfg.Agent.HandshakeTimeoutSeconds = 20
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.TurnRetentionMinutes <= 0 {
		cfg.TurnRetentionMinutes = 60
	}
	if cfg.RunRetentionMinutes <= 0 {
		cfg.RunRetentionMinutes = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "turngate"
	}
	return nil
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Commands))
	for i, cmd := range cfg.Commands {
		if strings.TrimSpace(cmd.ID) == "" {
			return fmt.Errorf("commands[%d]: id is required", i)
		}
		if seen[cmd.ID] {
			return fmt.Errorf("commands[%d]: duplicate id %q", i, cmd.ID)
		}
		seen[cmd.ID] = true
		if strings.TrimSpace(cmd.Command) == "" {
			return fmt.Errorf("commands[%d] (%s): command is required", i, cmd.ID)
		}
	}
	for name, d := range cfg.Scope.Domains {
		if len(d.Roots) == 0 {
			return fmt.Errorf("scope.domains.%s: at least one root is required", name)
		}
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TURNGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TURNGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TURNGATE_REPO_ROOT"); raw != "" {
		cfg.RepoRoot = raw
	}
	if raw := os.Getenv("TURNGATE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TURNGATE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TURNGATE_AGENT_COMMAND"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("TURNGATE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TURNGATE_SWEEP_SCHEDULE"); raw != "" {
		cfg.SweepSchedule = raw
	}
	if raw := os.Getenv("TURNGATE_TELEMETRY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
