// Package scope decides which filesystem paths an operation may touch. A
// domain maps to configured roots; a loop may bind its own roots; a
// time-boxed override can widen a domain for a while. Every check resolves
// paths before comparing, so traversal and symlinks cannot escape a root.
package scope

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/otel"
	"github.com/basket/turngate/internal/persistence"
)

// ScratchDir is used as the only root for unknown domains when no default roots are configured.
const ScratchDir = ".turngate/scratch"

// Context is the resolved scope for one request. It is never persisted.
type Context struct {
	Domain         string     `json:"domain"`
	LoopID         string     `json:"loopId,omitempty"`
	AllowedRoots   []string   `json:"allowedRoots"`
	OverrideActive bool       `json:"overrideActive"`
	OverrideToken  string     `json:"overrideToken,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	UnknownDomain  bool       `json:"unknownDomain,omitempty"`
}

// Decision is the structured result of Enforce. OK is false whenever
// OutOfScope is non-empty or the scope could not be resolved.
type Decision struct {
	OK           bool     `json:"ok"`
	Operation    string   `json:"operation"`
	AllowedRoots []string `json:"allowedRoots"`
	OutOfScope   []string `json:"outOfScope,omitempty"`
	Message      string   `json:"message,omitempty"`
	Context      Context  `json:"context"`
}

// OverrideStore persists overrides. *persistence.Store satisfies it.
type OverrideStore interface {
	PutOverride(ctx context.Context, o persistence.ScopeOverride) error
	GetOverride(ctx context.Context, token, domain string) (*persistence.ScopeOverride, error)
	DeleteOverride(ctx context.Context, tokenOrDomain string) (*persistence.ScopeOverride, error)
}

type Options struct {
	RepoRoot string
	Scope    config.ScopeConfig
	Store    OverrideStore
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Now      func() time.Time
}

// policy is the compiled, immutable form of the scope config.
type policy struct {
	repoRoot     string
	defaultRoots []string
	domains      map[string][]string
	loops        map[string][]string
	deny         []string
	defaultTTL   time.Duration
	maxTTL       time.Duration
}

// Guard evaluates scope. It is safe for concurrent use; Reload swaps the
// policy atomically while in-flight checks finish against the old one.
type Guard struct {
	mu     sync.RWMutex
	policy *policy

	store   OverrideStore
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	now     func() time.Time
}

func NewGuard(opts Options) (*Guard, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scope: override store is required")
	}
	p, err := compile(opts.RepoRoot, opts.Scope)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Guard{
		policy:  p,
		store:   opts.Store,
		logger:  logger,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// Validate compiles cfg without building a Guard.
func Validate(repoRoot string, cfg config.ScopeConfig) error {
	_, err := compile(repoRoot, cfg)
	return err
}

// Reload replaces the domain and loop mappings. On error the previous policy stays active.
func (g *Guard) Reload(repoRoot string, cfg config.ScopeConfig) error {
	p, err := compile(repoRoot, cfg)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
	g.logger.Info("scope policy reloaded", "domains", len(p.domains), "loops", len(p.loops))
	return nil
}

// RepoRoot returns the resolved repository root.
func (g *Guard) RepoRoot() string {
	return g.current().repoRoot
}

// Domains lists configured domain names in sorted order.
func (g *Guard) Domains() []string {
	p := g.current()
	names := make([]string, 0, len(p.domains))
	for name := range p.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Guard) current() *policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

func compile(repoRoot string, cfg config.ScopeConfig) (*policy, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return nil, fmt.Errorf("scope: repo root is required")
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("scope: repo root: %w", err)
	}
	root, err := resolveExisting(filepath.Clean(abs))
	if err != nil {
		return nil, fmt.Errorf("scope: repo root: %w", err)
	}

	p := &policy{
		repoRoot: root,
		domains:  make(map[string][]string, len(cfg.Domains)),
		loops:    make(map[string][]string, len(cfg.Loops)),
	}
	rootsFor := func(what string, raw []string) ([]string, error) {
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			n, err := normalize(root, r)
			if err != nil {
				return nil, fmt.Errorf("scope: %s root %q: %w", what, r, err)
			}
			out = append(out, n)
		}
		return out, nil
	}

	if p.defaultRoots, err = rootsFor("default", cfg.DefaultRoots); err != nil {
		return nil, err
	}
	if len(p.defaultRoots) == 0 {
		p.defaultRoots = []string{filepath.Join(root, filepath.FromSlash(ScratchDir))}
	}
	for name, d := range cfg.Domains {
		if p.domains[name], err = rootsFor("domain "+name, d.Roots); err != nil {
			return nil, err
		}
	}
	for id, l := range cfg.Loops {
		if p.loops[id], err = rootsFor("loop "+id, l.Roots); err != nil {
			return nil, err
		}
	}
	for _, pattern := range cfg.Deny {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("scope: invalid deny pattern %q", pattern)
		}
		p.deny = append(p.deny, pattern)
	}

	p.maxTTL = time.Duration(cfg.OverrideMaxTTLMinutes) * time.Minute
	if p.maxTTL <= 0 {
		p.maxTTL = 240 * time.Minute
	}
	p.defaultTTL = time.Duration(cfg.OverrideDefaultTTLMinutes) * time.Minute
	if p.defaultTTL <= 0 || p.defaultTTL > p.maxTTL {
		p.defaultTTL = min(30*time.Minute, p.maxTTL)
	}
	return p, nil
}

// ResolveContext picks the allowed roots for a request. Order: the domain's
// active override, the loop's bound roots, the domain's roots, then the
// default roots flagged as an unknown domain. A supplied override token
// only applies when it names the domain's current, unexpired override.
func (g *Guard) ResolveContext(ctx context.Context, domain, loopID, overrideToken string) (Context, error) {
	p := g.current()
	sc := Context{Domain: domain, LoopID: loopID}

	o, err := g.activeOverride(ctx, domain, overrideToken)
	if err != nil {
		return sc, err
	}
	switch {
	case o != nil:
		sc.AllowedRoots = append([]string(nil), o.Roots...)
		sc.OverrideActive = true
		sc.OverrideToken = o.Token
		exp := o.ExpiresAt
		sc.ExpiresAt = &exp
	case loopID != "" && len(p.loops[loopID]) > 0:
		sc.AllowedRoots = append([]string(nil), p.loops[loopID]...)
	case len(p.domains[domain]) > 0:
		sc.AllowedRoots = append([]string(nil), p.domains[domain]...)
	default:
		sc.AllowedRoots = append([]string(nil), p.defaultRoots...)
		sc.UnknownDomain = true
		audit.Record(ctx, audit.Entry{
			Decision:  audit.DecisionAllow,
			Operation: "resolve",
			Domain:    domain,
			LoopID:    loopID,
			Reason:    "unknown domain resolved to default roots",
		})
		g.logger.Warn("unknown scope domain", "domain", domain, "loop_id", loopID)
	}
	return sc, nil
}

func (g *Guard) activeOverride(ctx context.Context, domain, token string) (*persistence.ScopeOverride, error) {
	if domain == "" && token == "" {
		return nil, nil
	}
	o, err := g.store.GetOverride(ctx, "", domain)
	if persistence.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load override: %w", err)
	}
	if o.Expired(g.now()) {
		return nil, nil
	}
	if token != "" && token != o.Token {
		return nil, nil
	}
	return o, nil
}

// Enforce checks every path against the resolved scope for op. It never
// returns an error; failures are reported through Decision.
func (g *Guard) Enforce(ctx context.Context, op string, paths []string, domain, loopID, overrideToken string) Decision {
	d := Decision{Operation: op}
	sc, err := g.ResolveContext(ctx, domain, loopID, overrideToken)
	d.Context = sc
	d.AllowedRoots = sc.AllowedRoots
	if err != nil {
		d.Message = "scope unavailable: " + err.Error()
		g.logger.Error("scope resolve failed", "operation", op, "domain", domain, "error", err)
		return d
	}

	p := g.current()
	for _, raw := range paths {
		n, err := normalize(p.repoRoot, raw)
		if err != nil || !withinAny(sc.AllowedRoots, n) || denied(p.deny, p.repoRoot, n) {
			d.OutOfScope = append(d.OutOfScope, raw)
		}
	}

	entry := audit.Entry{Operation: op, Domain: domain, LoopID: loopID, Paths: paths}
	if len(d.OutOfScope) > 0 {
		d.Message = fmt.Sprintf("%d path(s) outside allowed roots: %s", len(d.OutOfScope), strings.Join(d.OutOfScope, ", "))
		entry.Decision = audit.DecisionDeny
		entry.Paths = d.OutOfScope
		entry.Reason = d.Message
		audit.Record(ctx, entry)
		g.metrics.ScopeDenied(ctx, op)
		if g.bus != nil {
			g.bus.Publish(bus.TopicScopeDenied, bus.ScopeDeniedEvent{
				Operation: op, Domain: domain, LoopID: loopID, OutOfScope: d.OutOfScope,
			})
		}
		g.logger.Warn("scope denied", "operation", op, "domain", domain, "loop_id", loopID, "out_of_scope", d.OutOfScope)
		return d
	}

	d.OK = true
	entry.Decision = audit.DecisionAllow
	entry.Reason = "in scope"
	audit.Record(ctx, entry)
	return d
}

// Relative renders an allowed root relative to the repo root for display.
func (g *Guard) Relative(path string) string {
	root := g.current().repoRoot
	if rel, err := filepath.Rel(root, path); err == nil && within(root, path) {
		return filepath.ToSlash(rel)
	}
	return path
}
