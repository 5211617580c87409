// Package proposal is the review queue for agent-authored diffs. A proposal
// is created pending, resolved exactly once, and only written to disk after
// its paths pass scope again at approval time.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/diff"
	"github.com/basket/turngate/internal/otel"
	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/safety"
	"github.com/basket/turngate/internal/scope"
	"github.com/basket/turngate/internal/shared"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"

	// AutoApplyActor is recorded as ResolvedBy for trusted-loop resolutions.
	AutoApplyActor = "auto-apply"
)

type Config struct {
	Store   *persistence.Store
	Guard   *scope.Guard
	Applier Applier
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Draft is a candidate change set. Files is used when Diff names no files.
type Draft struct {
	LoopID             string   `json:"loopId,omitempty"`
	Domain             string   `json:"domain"`
	AssistantTarget    string   `json:"assistantTarget,omitempty"`
	Diff               string   `json:"diff"`
	Files              []string `json:"files,omitempty"`
	ScopeOverrideToken string   `json:"scopeOverrideToken,omitempty"`
	TurnID             string   `json:"turnId,omitempty"`
}

// Ref names a proposal by id or by approval token.
type Ref struct {
	ID            string `json:"id,omitempty"`
	ApprovalToken string `json:"approvalToken,omitempty"`
}

// Result is the structured outcome of Resolve. Code mirrors the HTTP status
// a handler should send.
type Result struct {
	OK         bool     `json:"ok"`
	Code       int      `json:"code"`
	ProposalID string   `json:"proposalId"`
	Status     string   `json:"status"`
	OutOfScope []string `json:"outOfScope,omitempty"`
	Message    string   `json:"message,omitempty"`
	// AlreadyResolved is set when the proposal had left pending before this call.
	AlreadyResolved bool `json:"alreadyResolved,omitempty"`
}

// Created is returned by Create. AutoApply is set when the loop is trusted.
type Created struct {
	Proposal  persistence.Proposal `json:"proposal"`
	Warnings  []string             `json:"warnings"`
	AutoApply *Result              `json:"autoApply,omitempty"`
}

type Service struct {
	store   *persistence.Store
	guard   *scope.Guard
	applier Applier
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	locks   *keyedMutex
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	applier := cfg.Applier
	if applier == nil && cfg.Guard != nil {
		applier = GitApplier{RepoRoot: cfg.Guard.RepoRoot(), Logger: logger}
	}
	return &Service{
		store:   cfg.Store,
		guard:   cfg.Guard,
		applier: applier,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  otel.Tracer(cfg.Tracer),
		locks:   newKeyedMutex(),
	}
}

// Create validates and stores a pending proposal. Every touched path must be
// in scope for the draft's domain and loop; otherwise an OutOfScope error
// naming the paths is returned and nothing is stored.
func (s *Service) Create(ctx context.Context, d Draft) (Created, error) {
	parsed := diff.Parse(diff.Input{Diff: d.Diff, FallbackFiles: d.Files})
	files := diff.Paths(parsed.Files)
	if len(files) == 0 {
		return Created{}, shared.Malformed("proposal touches no files", nil)
	}

	dec := s.guard.Enforce(ctx, "propose", files, d.Domain, d.LoopID, d.ScopeOverrideToken)
	if !dec.OK {
		if len(dec.OutOfScope) == 0 {
			return Created{}, fmt.Errorf("proposal scope check: %s", dec.Message)
		}
		return Created{}, shared.OutOfScope(dec.Message, dec.OutOfScope)
	}

	p := persistence.Proposal{
		ID:                 ulid.Make().String(),
		LoopID:             d.LoopID,
		Domain:             d.Domain,
		AssistantTarget:    d.AssistantTarget,
		Files:              files,
		Diff:               d.Diff,
		ApprovalToken:      uuid.NewString(),
		ScopeOverrideToken: d.ScopeOverrideToken,
		TurnID:             d.TurnID,
		Status:             persistence.ProposalPending,
	}
	if err := s.store.InsertProposal(ctx, &p); err != nil {
		return Created{}, err
	}

	s.metrics.ProposalCreated(ctx)
	s.publish(bus.TopicProposalCreated, p, shared.Actor(ctx))
	s.logger.Info("proposal created",
		"proposal_id", p.ID, "loop_id", p.LoopID, "domain", p.Domain, "files", len(p.Files), "turn_id", p.TurnID)

	warnings := append([]string(nil), parsed.Warnings...)
	leaks := safety.ScanDiff(d.Diff)
	for _, f := range leaks {
		warnings = append(warnings, f.String())
	}
	out := Created{Proposal: p, Warnings: warnings}
	if len(leaks) > 0 {
		// Suspected secrets always go to a human.
		s.logger.Warn("proposal diff may add secrets; auto-apply skipped", "proposal_id", p.ID, "findings", len(leaks))
		return out, nil
	}

	settings, err := s.store.GetLoopSettings(ctx, p.LoopID)
	if err != nil {
		s.logger.Warn("loop settings unavailable; proposal left for review", "loop_id", p.LoopID, "error", err)
		return out, nil
	}
	if settings.AutoApply() {
		res, err := s.Resolve(shared.WithActor(ctx, AutoApplyActor), Ref{ID: p.ID}, DecisionApprove)
		if err != nil {
			s.logger.Warn("auto-apply failed", "proposal_id", p.ID, "error", err)
		} else {
			out.AutoApply = &res
			if res.OK {
				out.Proposal.Status = res.Status
			}
		}
	}
	return out, nil
}

// Resolve applies a decision to a pending proposal. Resolving a proposal
// that already left pending returns its current status with OK set. An
// approval re-checks every file against scope using the stored domain, loop
// and override token, then again against the paths the applier reports it
// will write; a failure keeps the proposal pending and returns Code 403 with
// the rejected paths. If the diff is applied but the approval cannot be
// recorded, an error is returned and a later approval reconciles it.
func (s *Service) Resolve(ctx context.Context, ref Ref, decision string) (Result, error) {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != DecisionApprove && decision != DecisionReject {
		return Result{}, shared.Malformed(fmt.Sprintf("unknown decision %q", decision), nil)
	}

	id := ref.ID
	if id == "" {
		if ref.ApprovalToken == "" {
			return Result{}, shared.Malformed("proposal id or approval token is required", nil)
		}
		p, err := s.store.GetProposalByApprovalToken(ctx, ref.ApprovalToken)
		if persistence.IsNotFound(err) {
			return Result{}, shared.NotFound("proposal with approval token", "redacted")
		}
		if err != nil {
			return Result{}, err
		}
		id = p.ID
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "proposal.resolve",
		otel.AttrProposalID.String(id), otel.AttrDecision.String(decision))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.GetProposal(ctx, id)
	if persistence.IsNotFound(err) {
		return Result{}, shared.NotFound("proposal", id)
	}
	if err != nil {
		return Result{}, err
	}
	if ref.ApprovalToken != "" && ref.ApprovalToken != p.ApprovalToken {
		return Result{}, shared.NotFound("proposal with approval token", "redacted")
	}
	if p.Status != persistence.ProposalPending {
		return Result{OK: true, Code: http.StatusOK, ProposalID: p.ID, Status: p.Status, AlreadyResolved: true}, nil
	}

	actor := shared.Actor(ctx)
	if decision == DecisionReject {
		return s.finish(ctx, p, persistence.ProposalRejected, actor)
	}

	dec := s.guard.Enforce(ctx, "apply", p.Files, p.Domain, p.LoopID, p.ScopeOverrideToken)
	if !dec.OK {
		span.SetStatus(codes.Error, "out of scope")
		s.logger.Warn("approval blocked by scope", "proposal_id", p.ID, "out_of_scope", dec.OutOfScope)
		return Result{
			Code:       http.StatusForbidden,
			ProposalID: p.ID,
			Status:     p.Status,
			OutOfScope: dec.OutOfScope,
			Message:    dec.Message,
		}, nil
	}

	if got := persistence.HashDiff(p.Diff); got != p.DiffHash {
		span.SetStatus(codes.Error, "diff hash mismatch")
		audit.Record(ctx, audit.Entry{Decision: audit.DecisionDeny, Operation: "apply", Domain: p.Domain, LoopID: p.LoopID, Reason: "diff hash mismatch"})
		return Result{
			Code:       http.StatusConflict,
			ProposalID: p.ID,
			Status:     p.Status,
			Message:    "stored diff does not match its recorded hash",
		}, nil
	}

	if strings.TrimSpace(p.Diff) == "" {
		return s.finish(ctx, p, persistence.ProposalApproved, actor)
	}
	if s.applier == nil {
		return Result{}, fmt.Errorf("no applier configured")
	}
	if res, blocked := s.checkWrittenPaths(ctx, p); blocked {
		span.SetStatus(codes.Error, "written paths rejected")
		return res, nil
	}

	applyErr := s.applier.Apply(ctx, p.Diff)
	switch {
	case errors.Is(applyErr, ErrAlreadyApplied):
		// A previous approval wrote the files but never recorded it.
		s.logger.Warn("diff already present in working tree; recording approval", "proposal_id", p.ID)
		audit.Record(ctx, audit.Entry{Decision: audit.DecisionAllow, Operation: "apply", Domain: p.Domain, LoopID: p.LoopID, Paths: p.Files, Reason: "reconciled: diff already applied"})
	case applyErr != nil:
		span.RecordError(applyErr)
		span.SetStatus(codes.Error, "apply failed")
		s.logger.Error("apply failed", "proposal_id", p.ID, "error", applyErr)
		return Result{
			Code:       http.StatusConflict,
			ProposalID: p.ID,
			Status:     p.Status,
			Message:    "apply failed: " + applyErr.Error(),
		}, nil
	}

	res, err := s.finish(ctx, p, persistence.ProposalApproved, actor)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("diff applied but approval not recorded; approving again will reconcile",
			"proposal_id", p.ID, "error", err)
		audit.Record(ctx, audit.Entry{Decision: audit.DecisionAllow, Operation: "apply", Domain: p.Domain, LoopID: p.LoopID, Paths: p.Files, Reason: "applied but not recorded: " + err.Error()})
		return Result{}, fmt.Errorf("record approval of %s after apply: %w", p.ID, err)
	}
	return res, nil
}

// checkWrittenPaths runs scope against the files the applier itself says it
// will write. It reports blocked with the result to return when any of them
// is out of scope or the applier cannot read the diff.
func (s *Service) checkWrittenPaths(ctx context.Context, p *persistence.Proposal) (Result, bool) {
	pr, ok := s.applier.(PathReporter)
	if !ok {
		return Result{}, false
	}
	written, err := pr.Paths(ctx, p.Diff)
	if err != nil {
		s.logger.Error("cannot list paths written by diff", "proposal_id", p.ID, "error", err)
		return Result{
			Code:       http.StatusConflict,
			ProposalID: p.ID,
			Status:     p.Status,
			Message:    "apply failed: " + err.Error(),
		}, true
	}
	if len(written) == 0 {
		return Result{}, false
	}
	dec := s.guard.Enforce(ctx, "apply", written, p.Domain, p.LoopID, p.ScopeOverrideToken)
	if dec.OK {
		return Result{}, false
	}
	s.logger.Warn("diff writes paths outside scope", "proposal_id", p.ID, "out_of_scope", dec.OutOfScope, "recorded_files", p.Files)
	return Result{
		Code:       http.StatusForbidden,
		ProposalID: p.ID,
		Status:     p.Status,
		OutOfScope: dec.OutOfScope,
		Message:    dec.Message,
	}, true
}

func (s *Service) finish(ctx context.Context, p *persistence.Proposal, status, actor string) (Result, error) {
	won, err := s.store.ResolveProposal(ctx, p.ID, status, actor)
	if err != nil {
		return Result{}, err
	}
	if !won {
		// Another process resolved it first.
		cur, err := s.store.GetProposal(ctx, p.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{OK: true, Code: http.StatusOK, ProposalID: p.ID, Status: cur.Status, AlreadyResolved: true}, nil
	}

	p.Status = status
	s.metrics.ProposalResolved(ctx, status)
	s.publish(bus.TopicProposalResolved, *p, actor)
	s.logger.Info("proposal resolved", "proposal_id", p.ID, "status", status, "actor", actor)
	return Result{OK: true, Code: http.StatusOK, ProposalID: p.ID, Status: status}, nil
}

func (s *Service) publish(topic string, p persistence.Proposal, actor string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, bus.ProposalEvent{ProposalID: p.ID, LoopID: p.LoopID, Status: p.Status, Actor: actor})
}

func (s *Service) Get(ctx context.Context, id string) (*persistence.Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if persistence.IsNotFound(err) {
		return nil, shared.NotFound("proposal", id)
	}
	return p, err
}

func (s *Service) GetByApprovalToken(ctx context.Context, token string) (*persistence.Proposal, error) {
	p, err := s.store.GetProposalByApprovalToken(ctx, token)
	if persistence.IsNotFound(err) {
		return nil, shared.NotFound("proposal with approval token", "redacted")
	}
	return p, err
}

// List returns proposals newest first. Diff bodies are omitted.
func (s *Service) List(ctx context.Context, loopID, status string, limit int) ([]persistence.Proposal, error) {
	ps, err := s.store.ListProposals(ctx, loopID, status, limit)
	if err != nil {
		return nil, err
	}
	for i := range ps {
		ps[i].Diff = ""
		ps[i].ApprovalToken = ""
	}
	if ps == nil {
		ps = []persistence.Proposal{}
	}
	return ps, nil
}

// DiffFiles re-derives per-file change records from the stored diff.
func (s *Service) DiffFiles(ctx context.Context, id string) (diff.Result, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return diff.Result{}, err
	}
	return diff.Parse(diff.Input{Diff: p.Diff, FallbackFiles: p.Files}), nil
}

func (s *Service) LoopSettings(ctx context.Context, loopID string) (persistence.LoopSettings, error) {
	return s.store.GetLoopSettings(ctx, loopID)
}

func (s *Service) PutLoopSettings(ctx context.Context, ls persistence.LoopSettings) (persistence.LoopSettings, error) {
	if ls.TrustMode == "" {
		ls.TrustMode = persistence.TrustModeReview
	}
	if ls.TrustMode != persistence.TrustModeReview && ls.TrustMode != persistence.TrustModeTrusted {
		return ls, shared.Malformed(fmt.Sprintf("unknown trust mode %q", ls.TrustMode), nil)
	}
	out, err := s.store.PutLoopSettings(ctx, ls)
	if err != nil {
		return out, err
	}
	s.logger.Info("loop settings updated", "loop_id", out.LoopID, "trust_mode", out.TrustMode, "auto_apply", out.AutoApplyEnabled)
	return out, nil
}

// PendingOlderThan counts pending proposals created before cutoff.
func (s *Service) PendingOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ps, err := s.store.ListProposals(ctx, "", persistence.ProposalPending, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range ps {
		if p.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}
