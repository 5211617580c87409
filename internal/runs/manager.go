package runs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/otel"
	"github.com/basket/turngate/internal/shared"
	"github.com/basket/turngate/internal/stream"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
)

// Run stream event types.
const (
	EventOutput = "output"
	EventEnd    = "end"
)

// maxOutputLines caps the in-memory log of a single run.
const maxOutputLines = 20000

type Config struct {
	Commands        []config.CommandConfig
	BlockedPatterns []string
	RepoRoot        string

	Host Spawner
	// Sandbox runs commands marked sandbox: true. Nil refuses them.
	Sandbox Spawner

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Record is the externally visible state of a run.
type Record struct {
	ID        string     `json:"id"`
	CommandID string     `json:"commandId"`
	Command   string     `json:"command"`
	Sandboxed bool       `json:"sandboxed,omitempty"`
	Status    string     `json:"status"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Lines     int        `json:"lines"`
}

type StartResult struct {
	RunID      string `json:"runId"`
	StreamPath string `json:"streamPath"`
	StopPath   string `json:"stopPath"`
}

type StopResult struct {
	OK             bool   `json:"ok"`
	Stopped        bool   `json:"stopped"`
	AlreadyStopped bool   `json:"alreadyStopped,omitempty"`
	Status         string `json:"status"`
}

type outputPayload struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

type endPayload struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

type run struct {
	mu            sync.Mutex
	rec           Record
	proc          Process
	stopRequested bool
	truncated     bool
	log           *stream.Log
	done          chan struct{}
}

func (r *run) snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.rec
	rec.Lines = r.log.Len()
	return rec
}

// Manager owns every run started in this process.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	now     func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	policyMu sync.RWMutex
	policy   *Policy

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
	policy, err := NewPolicy(cfg.Commands, cfg.BlockedPatterns)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Host == nil {
		cfg.Host = &HostSpawner{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(cfg.Tracer),
		metrics: cfg.Metrics,
		now:     now,
		baseCtx: ctx,
		cancel:  cancel,
		policy:  policy,
		runs:    make(map[string]*run),
	}, nil
}

// Reload swaps the allow-list. Running commands are unaffected. On error
// the previous policy stays in force.
func (m *Manager) Reload(commands []config.CommandConfig, blocked []string) error {
	policy, err := NewPolicy(commands, blocked)
	if err != nil {
		return err
	}
	m.policyMu.Lock()
	m.policy = policy
	m.policyMu.Unlock()
	return nil
}

func (m *Manager) currentPolicy() *Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// Commands lists the allow-list with each entry's verdict.
func (m *Manager) Commands() []CommandView {
	views := m.currentPolicy().List()
	if m.cfg.Sandbox == nil {
		for i := range views {
			if views[i].Allowed && views[i].Sandbox {
				views[i].Allowed = false
				views[i].BlockedBy = BlockedPolicyPattern
				views[i].Reason = "sandbox runtime is not available"
			}
		}
	}
	return views
}

// Check returns the verdict for commandID without starting anything.
func (m *Manager) Check(commandID string) Verdict {
	v := m.currentPolicy().Check(commandID)
	if v.Allowed && v.Command.Sandbox && m.cfg.Sandbox == nil {
		return Verdict{BlockedBy: BlockedPolicyPattern, Reason: "sandbox runtime is not available", Command: v.Command}
	}
	return v
}

// Start spawns an allow-listed command and returns immediately. Blocked
// commands return a *shared.Error of KindBlocked and never reach a spawner.
func (m *Manager) Start(ctx context.Context, commandID string) (StartResult, error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "runs.start", otel.AttrCommandID.String(commandID))
	defer span.End()

	v := m.Check(commandID)
	if !v.Allowed {
		m.metrics.RunBlocked(ctx, v.BlockedBy)
		audit.Record(ctx, audit.Entry{Decision: audit.DecisionDeny, Operation: "run.start", Reason: v.BlockedBy + ": " + v.Reason})
		m.publish(bus.TopicRunBlocked, bus.RunEvent{CommandID: commandID, Status: "blocked", BlockedBy: v.BlockedBy})
		m.logger.Warn("command blocked", "command_id", commandID, "blocked_by", v.BlockedBy, "reason", v.Reason)
		return StartResult{}, shared.Blocked(v.BlockedBy, v.Reason)
	}
	audit.Record(ctx, audit.Entry{Decision: audit.DecisionAllow, Operation: "run.start", Reason: commandID})

	id := ulid.Make().String()
	r := &run{
		rec: Record{
			ID:        id,
			CommandID: commandID,
			Command:   CommandLine(v.Command),
			Sandboxed: v.Command.Sandbox,
			Status:    StatusRunning,
			StartedAt: m.now().UTC(),
		},
		done: make(chan struct{}),
	}
	r.log = stream.NewLog(stream.WithClock(m.now), stream.WithAppendHook(func(ev stream.Event) {
		m.metrics.StreamEvent(m.baseCtx, ev.Type)
	}))

	spawner := m.cfg.Host
	if v.Command.Sandbox {
		spawner = m.cfg.Sandbox
	}
	spec := Spec{RunID: id, Command: v.Command.Command, Args: v.Command.Args, Dir: m.workdir(v.Command)}

	runCtx := shared.WithRunID(m.baseCtx, id)
	proc, err := spawner.Spawn(runCtx, spec, func(streamName, line string) { m.output(r, streamName, line) })
	if err != nil {
		m.logger.Error("command spawn failed", "run_id", id, "command_id", commandID, "error", err)
		m.end(r, StatusFailed, nil, err.Error())
		close(r.done)
		m.register(r)
		return m.startResult(id), nil
	}
	r.proc = proc
	m.register(r)

	m.metrics.RunStarted(ctx, commandID)
	m.publish(bus.TopicRunStarted, bus.RunEvent{RunID: id, CommandID: commandID, Status: StatusRunning})
	m.logger.Info("run started", "run_id", id, "command_id", commandID, "sandboxed", v.Command.Sandbox)

	m.wg.Add(1)
	go m.wait(r)
	return m.startResult(id), nil
}

func (m *Manager) register(r *run) {
	m.mu.Lock()
	m.runs[r.rec.ID] = r
	m.mu.Unlock()
}

func (m *Manager) startResult(id string) StartResult {
	return StartResult{
		RunID:      id,
		StreamPath: fmt.Sprintf("/api/runs/%s/stream", id),
		StopPath:   fmt.Sprintf("/api/runs/%s/stop", id),
	}
}

func (m *Manager) workdir(c config.CommandConfig) string {
	if c.Workdir == "" {
		return m.cfg.RepoRoot
	}
	if filepath.IsAbs(c.Workdir) {
		return c.Workdir
	}
	return filepath.Join(m.cfg.RepoRoot, c.Workdir)
}

func (m *Manager) output(r *run, streamName, line string) {
	r.mu.Lock()
	if r.truncated {
		r.mu.Unlock()
		return
	}
	if r.log.Len() >= maxOutputLines {
		r.truncated = true
		r.mu.Unlock()
		r.log.Append(EventOutput, outputPayload{Stream: StreamStderr, Text: "[turngate] output truncated"})
		return
	}
	r.mu.Unlock()
	r.log.Append(EventOutput, outputPayload{Stream: streamName, Text: shared.Redact(line)})
}

func (m *Manager) wait(r *run) {
	defer m.wg.Done()
	defer close(r.done)
	code, err := r.proc.Wait()

	r.mu.Lock()
	stopped := r.stopRequested
	r.mu.Unlock()

	status := StatusFinished
	msg := ""
	switch {
	case stopped:
		status = StatusStopped
	case err != nil:
		status = StatusFailed
		msg = err.Error()
	case code != 0:
		status = StatusFailed
	}
	m.end(r, status, &code, msg)
}

// end records the terminal state and closes the run's stream.
func (m *Manager) end(r *run, status string, code *int, msg string) {
	now := m.now().UTC()
	r.mu.Lock()
	r.rec.Status = status
	r.rec.ExitCode = code
	r.rec.Error = msg
	r.rec.EndedAt = &now
	rec := r.rec
	r.mu.Unlock()

	r.log.Close(EventEnd, endPayload{Status: status, ExitCode: code, Error: msg})
	m.publish(bus.TopicRunFinished, bus.RunEvent{RunID: rec.ID, CommandID: rec.CommandID, Status: status, ExitCode: code})
	m.logger.Info("run ended", "run_id", rec.ID, "command_id", rec.CommandID, "status", status, "duration_ms", now.Sub(rec.StartedAt).Milliseconds())
}

// Stop terminates a running command and waits for it to exit. A run that
// has already ended reports AlreadyStopped without error.
func (m *Manager) Stop(ctx context.Context, id string) (StopResult, error) {
	r, err := m.lookup(id)
	if err != nil {
		return StopResult{}, err
	}
	r.mu.Lock()
	if r.rec.Status != StatusRunning || r.proc == nil {
		status := r.rec.Status
		r.mu.Unlock()
		return StopResult{OK: true, AlreadyStopped: true, Status: status}, nil
	}
	r.stopRequested = true
	proc := r.proc
	r.mu.Unlock()

	if err := proc.Stop(ctx); err != nil {
		return StopResult{}, fmt.Errorf("stop run %s: %w", id, err)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}
	rec := r.snapshot()
	return StopResult{OK: true, Stopped: rec.Status == StatusStopped, AlreadyStopped: rec.Status != StatusStopped, Status: rec.Status}, nil
}

func (m *Manager) lookup(id string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, shared.NotFound("run", id)
	}
	return r, nil
}

func (m *Manager) Get(id string) (Record, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Record{}, err
	}
	return r.snapshot(), nil
}

// List returns every known run, newest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	all := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		all = append(all, r)
	}
	m.mu.Unlock()
	out := make([]Record, 0, len(all))
	for _, r := range all {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Running counts runs that have not ended.
func (m *Manager) Running() int {
	n := 0
	for _, rec := range m.List() {
		if rec.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (m *Manager) Snapshot(id string) ([]stream.Event, error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.log.Snapshot(), nil
}

// Subscribe attaches to a run's stream. The snapshot is everything so far;
// the subscription delivers what follows and finishes after the end event.
func (m *Manager) Subscribe(id string) ([]stream.Event, *stream.Subscription, error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	snap, sub := r.log.Attach()
	return snap, sub, nil
}

func (m *Manager) SubscribeFunc(id string, fn func(stream.Event)) ([]stream.Event, func(), error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	snap, unsub := r.log.SubscribeFunc(fn)
	return snap, unsub, nil
}

// Prune forgets ended runs older than olderThan that nobody is watching.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		closed, at := r.log.Closed()
		if closed && at.Before(cutoff) && r.log.Subscribers() == 0 {
			delete(m.runs, id)
			n++
		}
	}
	return n
}

// Close stops every running command and waits for them to exit.
func (m *Manager) Close(ctx context.Context) error {
	for _, rec := range m.List() {
		if rec.Status != StatusRunning {
			continue
		}
		if _, err := m.Stop(ctx, rec.ID); err != nil {
			m.logger.Warn("stop run on shutdown failed", "run_id", rec.ID, "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	defer m.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(topic string, ev bus.RunEvent) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(topic, ev)
}
