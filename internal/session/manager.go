// Package session owns the agent runtime session and the turns executed on
// it. The session is created lazily by the first turn, shared by every
// later turn, and torn down by StopSession or by runtime failure. Each turn
// records its events in a stream.Log so late subscribers see the full
// history before live events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/turngate/internal/agentrpc"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/otel"
	"github.com/basket/turngate/internal/proposal"
	"github.com/basket/turngate/internal/scope"
	"github.com/basket/turngate/internal/shared"
	"github.com/basket/turngate/internal/stream"
)

// Session states.
const (
	StateUninitialized = "uninitialized"
	StateStarting      = "starting"
	StateReady         = "ready"
	StateStopping      = "stopping"
)

// maxOrphanUpdates bounds notifications buffered for protocol turn ids the
// manager has not registered yet.
const maxOrphanUpdates = 1024

// ProposalCreator turns a completed diff into a pending proposal.
// *proposal.Service satisfies it.
type ProposalCreator interface {
	Create(ctx context.Context, d proposal.Draft) (proposal.Created, error)
}

type Config struct {
	Dialer           Dialer
	Guard            *scope.Guard
	Proposals        ProposalCreator
	ClientInfo       agentrpc.ClientInfo
	HandshakeTimeout time.Duration
	Bus              *bus.Bus
	Logger           *slog.Logger
	Metrics          *otel.Metrics
	Tracer           trace.Tracer
	Now              func() time.Time
}

// Message is one entry of a multi-message turn input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type StartTurnRequest struct {
	Prompt             string    `json:"prompt,omitempty"`
	Messages           []Message `json:"messages,omitempty"`
	Domain             string    `json:"domain"`
	LoopID             string    `json:"loopId,omitempty"`
	ScopeOverrideToken string    `json:"scopeOverrideToken,omitempty"`
	AssistantTarget    string    `json:"assistantTarget,omitempty"`
	// Paths the caller already knows the turn will touch; checked up front.
	Paths []string `json:"paths,omitempty"`
}

type StartTurnResult struct {
	TurnID         string `json:"turnId"`
	ProtocolTurnID string `json:"protocolTurnId"`
	ThreadID       string `json:"threadId"`
	SessionID      string `json:"sessionId"`
}

type Status struct {
	State               string `json:"state"`
	Running             bool   `json:"running"`
	ProtocolInitialized bool   `json:"protocolInitialized"`
	ActiveThreadCount   int    `json:"activeThreadCount"`
	ActiveTurnCount     int64  `json:"activeTurnCount"`
	SessionID           string `json:"sessionId,omitempty"`
}

type agentSession struct {
	id          string
	rt          Runtime
	initialized bool

	threadMu sync.Mutex
	threads  map[string]string
	nthreads atomic.Int32
}

type startCall struct {
	done chan struct{}
	sess *agentSession
	err  error
}

type Manager struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	now     func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	state    string
	sess     *agentSession
	starting *startCall
	turns    map[string]*turn
	byProto  map[string]*turn
	orphans  map[string][]agentrpc.TurnUpdate
	orphanN  int

	activeTurns atomic.Int64
	settling    sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo.Name = "turngate"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(context.Context) (Runtime, error) {
			return nil, errors.New("no agent runtime configured")
		}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(cfg.Tracer),
		metrics:    cfg.Metrics,
		now:        now,
		baseCtx:    base,
		cancelBase: cancel,
		state:      StateUninitialized,
		turns:      make(map[string]*turn),
		byProto:    make(map[string]*turn),
		orphans:    make(map[string][]agentrpc.TurnUpdate),
	}
}

// EnsureSession returns the live session, starting one if needed. Concurrent
// callers share a single start attempt and observe the same result.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	sess, err := m.ensure(ctx)
	if err != nil {
		return "", err
	}
	return sess.id, nil
}

func (m *Manager) ensure(ctx context.Context) (*agentSession, error) {
	m.mu.Lock()
	if m.sess != nil {
		s := m.sess
		m.mu.Unlock()
		return s, nil
	}
	call := m.starting
	if call == nil {
		call = &startCall{done: make(chan struct{})}
		m.starting = call
		m.state = StateStarting
		go m.dial(call)
	}
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.sess, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial runs detached from any caller so one impatient caller cannot abort
// the start for the others.
func (m *Manager) dial(call *startCall) {
	defer close(call.done)

	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.HandshakeTimeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, m.tracer, "session.start", otel.AttrRPCMethod.String("initialize"))
	defer span.End()

	rt, err := m.cfg.Dialer(ctx)
	if err == nil {
		err = rt.Initialize(ctx, m.cfg.ClientInfo)
		if err != nil {
			_ = rt.Close()
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		m.mu.Lock()
		m.starting = nil
		m.state = StateUninitialized
		m.mu.Unlock()
		call.err = shared.Transport("agent runtime unavailable", err)
		m.logger.Error("agent session start failed", "error", err)
		m.publishState(StateUninitialized, err.Error())
		return
	}

	sess := &agentSession{id: uuid.NewString(), rt: rt, initialized: true, threads: make(map[string]string)}
	span.SetAttributes(otel.AttrSessionID.String(sess.id))
	m.mu.Lock()
	m.sess = sess
	m.starting = nil
	m.state = StateReady
	m.mu.Unlock()
	call.sess = sess

	go m.pump(sess)
	m.logger.Info("agent session ready", "session_id", sess.id)
	m.publishState(StateReady, "")
}

// StopSession cancels every running turn and closes the runtime. It returns
// the number of turns cancelled. Stopping without a session is a no-op.
func (m *Manager) StopSession(ctx context.Context) (int, error) {
	m.mu.Lock()
	call := m.starting
	m.mu.Unlock()
	if call != nil {
		select {
		case <-call.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		m.mu.Unlock()
		return 0, nil
	}
	m.sess = nil
	m.state = StateStopping
	victims := m.liveTurnsLocked(sess.id)
	m.mu.Unlock()

	cancelled := 0
	for _, t := range victims {
		t.mu.Lock()
		threadID, protoID := t.rec.ThreadID, t.rec.ProtocolTurnID
		t.mu.Unlock()
		if protoID != "" {
			ictx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := sess.rt.InterruptTurn(ictx, threadID, protoID); err != nil {
				m.logger.Debug("interrupt failed", "turn_id", t.rec.TurnID, "error", err)
			}
			cancel()
		}
		if m.finish(t, StatusCancelled, "session stopped") {
			cancelled++
		}
	}

	err := sess.rt.Close()
	m.mu.Lock()
	if m.state == StateStopping {
		m.state = StateUninitialized
	}
	m.mu.Unlock()
	m.logger.Info("agent session stopped", "session_id", sess.id, "cancelled_turns", cancelled)
	m.publishState(StateUninitialized, "")
	return cancelled, err
}

// liveTurnsLocked returns non-terminal, non-settling turns of a session.
func (m *Manager) liveTurnsLocked(sessionID string) []*turn {
	var out []*turn
	for _, t := range m.turns {
		t.mu.Lock()
		live := t.rec.SessionID == sessionID && !t.terminal() && !t.settling
		t.mu.Unlock()
		if live {
			out = append(out, t)
		}
	}
	return out
}

// Close stops the session and waits for in-flight proposal steps.
func (m *Manager) Close(ctx context.Context) error {
	_, err := m.StopSession(ctx)
	done := make(chan struct{})
	go func() {
		m.settling.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	m.cancelBase()
	return err
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state, ActiveTurnCount: m.activeTurns.Load()}
	if m.sess != nil {
		st.Running = true
		st.ProtocolInitialized = m.sess.initialized
		st.ActiveThreadCount = int(m.sess.nthreads.Load())
		st.SessionID = m.sess.id
	}
	return st
}

// StartTurn checks scope, makes sure a session and thread exist, and submits
// the input to the runtime. The turn then proceeds asynchronously.
func (m *Manager) StartTurn(ctx context.Context, req StartTurnRequest) (StartTurnResult, error) {
	text := inputText(req)
	if text == "" {
		return StartTurnResult{}, shared.Malformed("prompt or messages are required", nil)
	}

	ctx, span := otel.StartSpan(ctx, m.tracer, "turn.start",
		otel.AttrDomain.String(req.Domain), otel.AttrLoopID.String(req.LoopID))
	defer span.End()

	sc, err := m.cfg.Guard.ResolveContext(ctx, req.Domain, req.LoopID, req.ScopeOverrideToken)
	if err != nil {
		return StartTurnResult{}, fmt.Errorf("resolve scope: %w", err)
	}
	if len(req.Paths) > 0 {
		dec := m.cfg.Guard.Enforce(ctx, "turn", req.Paths, req.Domain, req.LoopID, req.ScopeOverrideToken)
		if !dec.OK {
			span.SetStatus(codes.Error, "out of scope")
			if len(dec.OutOfScope) == 0 {
				return StartTurnResult{}, fmt.Errorf("scope check: %s", dec.Message)
			}
			return StartTurnResult{}, shared.OutOfScope(dec.Message, dec.OutOfScope)
		}
	}

	sess, err := m.ensure(ctx)
	if err != nil {
		span.RecordError(err)
		return StartTurnResult{}, err
	}
	threadID, err := m.thread(ctx, sess, req.LoopID, sc)
	if err != nil {
		m.checkRuntime(sess, err)
		span.RecordError(err)
		return StartTurnResult{}, shared.Transport("start thread", err)
	}

	t := m.register(ctx, sess, threadID, sc, req)
	span.SetAttributes(otel.AttrTurnID.String(t.rec.TurnID), otel.AttrSessionID.String(sess.id))

	protoID, err := sess.rt.StartTurn(ctx, threadID, text)
	if err != nil {
		msg := "turn/start failed: " + err.Error()
		t.log.Append(EventError, errorPayload{Message: msg, Kind: string(shared.KindTransport)})
		m.finish(t, StatusFailed, msg)
		m.checkRuntime(sess, err)
		span.RecordError(err)
		return StartTurnResult{}, shared.Transport("start turn", err)
	}

	m.bind(t, protoID)
	m.logger.Info("turn started", "turn_id", t.rec.TurnID, "protocol_turn_id", protoID,
		"session_id", sess.id, "thread_id", threadID, "domain", req.Domain, "loop_id", req.LoopID)
	return StartTurnResult{TurnID: t.rec.TurnID, ProtocolTurnID: protoID, ThreadID: threadID, SessionID: sess.id}, nil
}

func inputText(req StartTurnRequest) string {
	if p := strings.TrimSpace(req.Prompt); p != "" {
		return p
	}
	var b strings.Builder
	for _, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if msg.Role != "" {
			b.WriteString(msg.Role)
			b.WriteString(": ")
		}
		b.WriteString(content)
	}
	return b.String()
}

// thread returns the loop's thread, creating it on first use. Turns without
// a loop share the session's default thread.
func (m *Manager) thread(ctx context.Context, sess *agentSession, loopID string, sc scope.Context) (string, error) {
	sess.threadMu.Lock()
	defer sess.threadMu.Unlock()
	if id, ok := sess.threads[loopID]; ok {
		return id, nil
	}
	id, err := sess.rt.StartThread(ctx, agentrpc.ThreadParams{
		Cwd:           m.cfg.Guard.RepoRoot(),
		WritableRoots: sc.AllowedRoots,
	})
	if err != nil {
		return "", err
	}
	sess.threads[loopID] = id
	sess.nthreads.Add(1)
	m.logger.Debug("thread started", "session_id", sess.id, "thread_id", id, "loop_id", loopID)
	return id, nil
}

func (m *Manager) register(ctx context.Context, sess *agentSession, threadID string, sc scope.Context, req StartTurnRequest) *turn {
	id := uuid.NewString()
	t := &turn{
		rec: TurnRecord{
			TurnID:          id,
			SessionID:       sess.id,
			ThreadID:        threadID,
			LoopID:          req.LoopID,
			Domain:          req.Domain,
			AssistantTarget: req.AssistantTarget,
			Status:          StatusQueued,
			Scope:           sc,
			StartedAt:       m.now().UTC(),
		},
		actor:         shared.Actor(ctx),
		overrideToken: req.ScopeOverrideToken,
		paths:         append([]string(nil), req.Paths...),
	}
	t.log = stream.NewLog(stream.WithClock(m.now), stream.WithAppendHook(func(ev stream.Event) {
		m.metrics.StreamEvent(m.baseCtx, ev.Type)
	}))

	m.mu.Lock()
	m.turns[id] = t
	m.mu.Unlock()
	m.activeTurns.Add(1)
	m.metrics.TurnStarted(ctx)
	return t
}

// bind attaches the runtime's turn id and replays any notifications that
// arrived before it was known. The turn lock is taken before the manager
// lock is released so the pump cannot deliver newer updates first.
func (m *Manager) bind(t *turn, protoID string) {
	m.mu.Lock()
	t.mu.Lock()
	if t.terminal() {
		t.mu.Unlock()
		m.mu.Unlock()
		return
	}
	m.byProto[protoID] = t
	early := m.orphans[protoID]
	delete(m.orphans, protoID)
	m.orphanN -= len(early)
	m.mu.Unlock()

	t.rec.ProtocolTurnID = protoID
	t.rec.Status = StatusRunning
	var completed *agentrpc.TurnUpdate
	for i := range early {
		if c := m.applyLocked(t, early[i]); c != nil {
			completed = c
		}
	}
	t.mu.Unlock()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(bus.TopicTurnStarted, bus.TurnEvent{TurnID: t.rec.TurnID, LoopID: t.rec.LoopID, Status: StatusRunning})
	}
	if completed != nil {
		m.complete(t, *completed)
	}
}

// pump routes runtime notifications to turns until the runtime goes away.
func (m *Manager) pump(sess *agentSession) {
	for n := range sess.rt.Notifications() {
		u, ok, err := agentrpc.DecodeTurnUpdate(n)
		if err != nil {
			m.logger.Warn("undecodable agent notification", "method", n.Method, "error", err)
			continue
		}
		if !ok {
			m.logger.Debug("agent notification ignored", "method", n.Method)
			continue
		}
		m.route(u)
	}
	m.failSession(sess, sess.rt.Err())
}

func (m *Manager) route(u agentrpc.TurnUpdate) {
	m.mu.Lock()
	t := m.byProto[u.TurnID]
	if t == nil {
		if u.TurnID == "" {
			m.mu.Unlock()
			if u.Kind == agentrpc.UpdateError {
				m.logger.Warn("agent runtime error", "message", u.Error)
			}
			return
		}
		if m.orphanN < maxOrphanUpdates {
			m.orphans[u.TurnID] = append(m.orphans[u.TurnID], u)
			m.orphanN++
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	t.mu.Lock()
	completed := m.applyLocked(t, u)
	t.mu.Unlock()
	if completed != nil {
		m.complete(t, *completed)
	}
}

// applyLocked records one update. It returns the update when it completes
// the turn; the caller finishes the turn after releasing t.mu.
func (m *Manager) applyLocked(t *turn, u agentrpc.TurnUpdate) *agentrpc.TurnUpdate {
	if t.terminal() || t.settling {
		return nil
	}
	switch u.Kind {
	case agentrpc.UpdateDelta:
		t.log.Append(EventDelta, deltaPayload{Text: u.Delta})
	case agentrpc.UpdateToolCall:
		t.log.Append(EventToolCall, u.Tool)
	case agentrpc.UpdateDiff:
		t.diff = u.Diff
		t.log.Append(EventDiff, diffPayload{Diff: u.Diff})
	case agentrpc.UpdateError:
		t.log.Append(EventError, errorPayload{Message: u.Error})
	case agentrpc.UpdateCompleted:
		t.settling = true
		return &u
	}
	return nil
}

// complete handles the runtime's turn/completed. Interrupted and failed
// turns end immediately; completed turns go through the proposal step.
func (m *Manager) complete(t *turn, u agentrpc.TurnUpdate) {
	switch u.Status {
	case "interrupted", "cancelled":
		m.finish(t, StatusCancelled, u.Error)
		return
	case "failed":
		msg := u.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		t.log.Append(EventError, errorPayload{Message: msg})
		m.finish(t, StatusFailed, msg)
		return
	}
	m.settling.Add(1)
	go func() {
		defer m.settling.Done()
		m.settle(t)
	}()
}

// settle turns the final diff into a proposal, or a scope-denied event when
// it touches paths outside scope, then finishes the turn.
func (m *Manager) settle(t *turn) {
	t.mu.Lock()
	rec := t.rec
	diffText := t.diff
	paths := t.paths
	actor := t.actor
	token := t.overrideToken
	t.mu.Unlock()

	if strings.TrimSpace(diffText) == "" && len(paths) == 0 {
		m.finish(t, StatusFinished, "")
		return
	}
	if m.cfg.Proposals == nil {
		m.finish(t, StatusFinished, "")
		return
	}

	ctx := shared.WithActor(shared.WithTurnID(m.baseCtx, rec.TurnID), actor)
	ctx = shared.WithLoopID(ctx, rec.LoopID)
	created, err := m.cfg.Proposals.Create(ctx, proposal.Draft{
		LoopID:             rec.LoopID,
		Domain:             rec.Domain,
		AssistantTarget:    rec.AssistantTarget,
		Diff:               diffText,
		Files:              paths,
		ScopeOverrideToken: token,
		TurnID:             rec.TurnID,
	})

	var se *shared.Error
	switch {
	case err == nil:
		p := created.Proposal
		t.mu.Lock()
		t.rec.ProposalID = p.ID
		t.mu.Unlock()
		t.log.Append(EventProposal, proposalPayload{
			ProposalID:  p.ID,
			Status:      p.Status,
			Files:       p.Files,
			Warnings:    created.Warnings,
			AutoApplied: created.AutoApply != nil && created.AutoApply.OK,
		})
	case errors.As(err, &se) && se.Kind == shared.KindOutOfScope:
		t.log.Append(EventScopeDenied, scopeDeniedPayload{
			Operation:    "propose",
			OutOfScope:   se.Paths,
			AllowedRoots: rec.Scope.AllowedRoots,
			Message:      se.Message,
		})
		m.logger.Warn("turn diff out of scope", "turn_id", rec.TurnID, "out_of_scope", se.Paths)
	case errors.As(err, &se) && se.Kind == shared.KindMalformed:
		m.logger.Info("turn produced no reviewable change", "turn_id", rec.TurnID, "reason", se.Message)
	default:
		t.log.Append(EventError, errorPayload{Message: "proposal not stored: " + err.Error()})
		m.logger.Error("proposal create failed", "turn_id", rec.TurnID, "error", err)
	}
	m.finish(t, StatusFinished, "")
}

// finish moves a turn to a terminal status exactly once and emits the single
// finished event. It reports whether this call made the transition.
func (m *Manager) finish(t *turn, status, errMsg string) bool {
	t.mu.Lock()
	if t.terminal() {
		t.mu.Unlock()
		return false
	}
	now := m.now().UTC()
	t.rec.Status = status
	t.rec.Error = errMsg
	t.rec.FinishedAt = &now
	t.settling = false
	rec := t.rec
	t.log.Close(EventFinished, finishedPayload{Status: status, Error: errMsg, ProposalID: rec.ProposalID})
	t.mu.Unlock()

	m.mu.Lock()
	if rec.ProtocolTurnID != "" && m.byProto[rec.ProtocolTurnID] == t {
		delete(m.byProto, rec.ProtocolTurnID)
	}
	m.mu.Unlock()

	m.activeTurns.Add(-1)
	m.metrics.TurnEnded(m.baseCtx, status, now.Sub(rec.StartedAt))
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(bus.TopicTurnFinished, bus.TurnEvent{TurnID: rec.TurnID, LoopID: rec.LoopID, Status: status, Error: errMsg})
	}
	m.logger.Info("turn finished", "turn_id", rec.TurnID, "status", status, "error", errMsg, "proposal_id", rec.ProposalID)
	return true
}

// checkRuntime tears the session down when err shows the transport is gone.
func (m *Manager) checkRuntime(sess *agentSession, err error) {
	if errors.Is(err, agentrpc.ErrClosed) {
		m.failSession(sess, err)
	}
}

// failSession fails every live turn of sess with a transport error and
// forgets the session so the next turn starts a fresh one.
func (m *Manager) failSession(sess *agentSession, cause error) {
	if cause == nil {
		cause = agentrpc.ErrClosed
	}
	m.mu.Lock()
	current := m.sess == sess
	if current {
		m.sess = nil
		m.state = StateUninitialized
		m.orphans = make(map[string][]agentrpc.TurnUpdate)
		m.orphanN = 0
	}
	victims := m.liveTurnsLocked(sess.id)
	m.mu.Unlock()

	if !current && len(victims) == 0 {
		return
	}
	msg := shared.Transport("agent runtime failed", cause).Error()
	for _, t := range victims {
		t.log.Append(EventError, errorPayload{Message: msg, Kind: string(shared.KindTransport)})
		m.finish(t, StatusFailed, msg)
	}
	_ = sess.rt.Close()
	if current {
		m.logger.Error("agent session lost", "session_id", sess.id, "failed_turns", len(victims), "error", cause)
		m.publishState(StateUninitialized, cause.Error())
	}
}

func (m *Manager) publishState(state, errMsg string) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(bus.TopicSessionState, bus.SessionStateEvent{State: state, Error: errMsg})
	}
}

func (m *Manager) lookup(turnID string) (*turn, error) {
	m.mu.Lock()
	t := m.turns[turnID]
	m.mu.Unlock()
	if t == nil {
		return nil, shared.NotFound("turn", turnID)
	}
	return t, nil
}

func (m *Manager) Get(turnID string) (TurnRecord, error) {
	t, err := m.lookup(turnID)
	if err != nil {
		return TurnRecord{}, err
	}
	return t.record(), nil
}

// List returns turns newest first.
func (m *Manager) List() []TurnRecord {
	m.mu.Lock()
	ts := make([]*turn, 0, len(m.turns))
	for _, t := range m.turns {
		ts = append(ts, t)
	}
	m.mu.Unlock()
	out := make([]TurnRecord, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) Snapshot(turnID string) ([]stream.Event, error) {
	t, err := m.lookup(turnID)
	if err != nil {
		return nil, err
	}
	return t.log.Snapshot(), nil
}

// Subscribe returns the events so far and a subscription for the rest. On a
// finished turn the subscription is already closed.
func (m *Manager) Subscribe(turnID string) ([]stream.Event, *stream.Subscription, error) {
	t, err := m.lookup(turnID)
	if err != nil {
		return nil, nil, err
	}
	snap, sub := t.log.Attach()
	return snap, sub, nil
}

// SubscribeFunc calls fn for each event after the returned snapshot.
func (m *Manager) SubscribeFunc(turnID string, fn func(stream.Event)) ([]stream.Event, func(), error) {
	t, err := m.lookup(turnID)
	if err != nil {
		return nil, nil, err
	}
	snap, unsubscribe := t.log.SubscribeFunc(fn)
	return snap, unsubscribe, nil
}

// Prune forgets terminal turns that finished before now-olderThan and have
// no subscribers. It returns how many were removed.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.turns {
		closed, at := t.log.Closed()
		if closed && at.Before(cutoff) && t.log.Subscribers() == 0 {
			delete(m.turns, id)
			n++
		}
	}
	return n
}
