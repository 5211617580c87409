package scope

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/shared"
)

// Override states reported by OverrideStatus.
const (
	OverrideActive  = "active"
	OverrideExpired = "expired"
	OverrideNone    = "none"
)

// OverrideStatus describes one override lookup.
type OverrideStatus struct {
	State     string     `json:"state"`
	Token     string     `json:"token,omitempty"`
	Domain    string     `json:"domain,omitempty"`
	Roots     []string   `json:"roots,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// RemainingSeconds is zero unless State is active.
	RemainingSeconds int64 `json:"remainingSeconds"`
}

// StartRequest opens or replaces a domain's override.
type StartRequest struct {
	Domain     string
	Roots      []string
	Reason     string
	TTLMinutes int
}

// StartOverride stores a new override for the domain, replacing any earlier
// one. Roots must resolve inside the repository. TTL is clamped to the
// configured maximum; zero or negative uses the default.
func (g *Guard) StartOverride(ctx context.Context, req StartRequest) (persistence.ScopeOverride, error) {
	p := g.current()
	domain := strings.TrimSpace(req.Domain)
	if domain == "" {
		return persistence.ScopeOverride{}, shared.Malformed("override domain is required", nil)
	}
	if len(req.Roots) == 0 {
		return persistence.ScopeOverride{}, shared.Malformed("override needs at least one root", nil)
	}

	roots := make([]string, 0, len(req.Roots))
	var outside []string
	for _, raw := range req.Roots {
		n, err := normalize(p.repoRoot, raw)
		if err != nil || !within(p.repoRoot, n) {
			outside = append(outside, raw)
			continue
		}
		roots = append(roots, n)
	}
	if len(outside) > 0 {
		audit.Record(ctx, audit.Entry{
			Decision: audit.DecisionDeny, Operation: "override.start", Domain: domain,
			Paths: outside, Reason: "override roots outside repository",
		})
		return persistence.ScopeOverride{}, shared.OutOfScope("override roots must lie inside the repository", outside)
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	if ttl > p.maxTTL {
		ttl = p.maxTTL
	}

	now := g.now().UTC()
	o := persistence.ScopeOverride{
		Token:     uuid.NewString(),
		Domain:    domain,
		Roots:     roots,
		Reason:    req.Reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := g.store.PutOverride(ctx, o); err != nil {
		return persistence.ScopeOverride{}, fmt.Errorf("store override: %w", err)
	}

	audit.Record(ctx, audit.Entry{
		Decision: audit.DecisionAllow, Operation: "override.start", Domain: domain,
		Paths: roots, Reason: req.Reason,
	})
	if g.bus != nil {
		g.bus.Publish(bus.TopicOverrideChanged, bus.OverrideEvent{Domain: domain, Token: o.Token, State: OverrideActive})
	}
	g.logger.Info("scope override started", "domain", domain, "roots", len(roots), "ttl", ttl.String())
	return o, nil
}

// StopOverride removes the override named by token or domain. Stopping
// something that does not exist is not an error; stopped reports whether
// anything was removed.
func (g *Guard) StopOverride(ctx context.Context, tokenOrDomain string) (stopped bool, err error) {
	tokenOrDomain = strings.TrimSpace(tokenOrDomain)
	if tokenOrDomain == "" {
		return false, shared.Malformed("token or domain is required", nil)
	}
	o, err := g.store.DeleteOverride(ctx, tokenOrDomain)
	if err != nil {
		return false, err
	}
	if o == nil {
		return false, nil
	}
	audit.Record(ctx, audit.Entry{
		Decision: audit.DecisionAllow, Operation: "override.stop", Domain: o.Domain,
		Paths: o.Roots, Reason: "stopped by caller",
	})
	if g.bus != nil {
		g.bus.Publish(bus.TopicOverrideChanged, bus.OverrideEvent{Domain: o.Domain, Token: o.Token, State: OverrideNone})
	}
	g.logger.Info("scope override stopped", "domain", o.Domain)
	return true, nil
}

// OverrideStatus looks up an override by token, falling back to domain.
// Expired records are reported as expired until the sweeper removes them.
func (g *Guard) OverrideStatus(ctx context.Context, token, domain string) (OverrideStatus, error) {
	o, err := g.store.GetOverride(ctx, token, "")
	if token == "" || persistence.IsNotFound(err) {
		o, err = g.store.GetOverride(ctx, "", domain)
	}
	if persistence.IsNotFound(err) {
		return OverrideStatus{State: OverrideNone, Token: token, Domain: domain}, nil
	}
	if err != nil {
		return OverrideStatus{}, fmt.Errorf("load override: %w", err)
	}

	exp := o.ExpiresAt
	st := OverrideStatus{Token: o.Token, Domain: o.Domain, Roots: o.Roots, ExpiresAt: &exp}
	now := g.now()
	if o.Expired(now) {
		st.State = OverrideExpired
		return st, nil
	}
	st.State = OverrideActive
	st.RemainingSeconds = int64(o.ExpiresAt.Sub(now).Round(time.Second) / time.Second)
	if st.RemainingSeconds <= 0 {
		st.RemainingSeconds = 1
	}
	return st, nil
}
