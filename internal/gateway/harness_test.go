package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/turngate/internal/agentrpc"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/gateway"
	"github.com/basket/turngate/internal/otel"
	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/proposal"
	"github.com/basket/turngate/internal/runs"
	"github.com/basket/turngate/internal/scope"
	"github.com/basket/turngate/internal/session"
)

type gatewayConfig = gateway.Config

const testToken = "gw-test-token-0123456789abcdef"

// scriptedRuntime answers every turn with one delta, an optional diff and
// a completion, all queued before StartTurn returns.
type scriptedRuntime struct {
	mu     sync.Mutex
	notes  chan agentrpc.Notification
	turns  int
	diff   string
	closed bool
}

func (r *scriptedRuntime) Initialize(context.Context, agentrpc.ClientInfo) error { return nil }

func (r *scriptedRuntime) StartThread(context.Context, agentrpc.ThreadParams) (string, error) {
	return "thread-1", nil
}

func (r *scriptedRuntime) StartTurn(_ context.Context, threadID, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns++
	id := fmt.Sprintf("pt-%d", r.turns)
	r.emit(agentrpc.MethodAgentDelta, map[string]any{"threadId": threadID, "turnId": id, "delta": "done"})
	if r.diff != "" {
		r.emit(agentrpc.MethodDiffUpdated, map[string]any{"threadId": threadID, "turnId": id, "diff": r.diff})
	}
	r.emit(agentrpc.MethodTurnCompleted, map[string]any{"threadId": threadID, "turnId": id, "turn": map[string]any{"status": "completed"}})
	return id, nil
}

func (r *scriptedRuntime) emit(method string, params map[string]any) {
	raw, _ := json.Marshal(params)
	r.notes <- agentrpc.Notification{Method: method, Params: raw}
}

func (r *scriptedRuntime) InterruptTurn(context.Context, string, string) error { return nil }
func (r *scriptedRuntime) Notifications() <-chan agentrpc.Notification      { return r.notes }
func (r *scriptedRuntime) Err() error                                       { return agentrpc.ErrClosed }

func (r *scriptedRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.notes)
	}
	return nil
}

// scriptedSpawner prints its lines and exits 0, or blocks until stopped.
type scriptedSpawner struct {
	lines []string
	block bool
}

type scriptedProcess struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func (s *scriptedSpawner) Spawn(_ context.Context, _ runs.Spec, emit runs.LineFunc) (runs.Process, error) {
	p := &scriptedProcess{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for _, l := range s.lines {
			emit(runs.StreamStdout, l)
		}
		if s.block {
			<-p.stop
		}
	}()
	return p, nil
}

func (p *scriptedProcess) Wait() (int, error) {
	<-p.done
	return 0, nil
}

func (p *scriptedProcess) Stop(context.Context) error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

type noopApplier struct{}

func (noopApplier) Apply(context.Context, string) error { return nil }

type testEnv struct {
	ts      *httptest.Server
	store   *persistence.Store
	bus     *bus.Bus
	runtime *scriptedRuntime
}

type envOption func(*envConfig)

type envConfig struct {
	dialErr error
	diff    string
	spawner runs.Spawner
	gw      func(*gatewayConfig)
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ec := &envConfig{spawner: &scriptedSpawner{lines: []string{"ok  ./..."}}}
	for _, o := range opts {
		o(ec)
	}

	repo := t.TempDir()
	for _, dir := range []string{"site/content", "docs"} {
		if err := os.MkdirAll(filepath.Join(repo, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "turngate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	guard, err := scope.NewGuard(scope.Options{
		RepoRoot: repo,
		Scope: config.ScopeConfig{
			Domains:                   map[string]config.DomainConfig{"web": {Roots: []string{"site/content"}}},
			OverrideDefaultTTLMinutes: 30,
			OverrideMaxTTLMinutes:     120,
		},
		Store: store,
		Bus:   b,
	})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	proposals := proposal.New(proposal.Config{Store: store, Guard: guard, Applier: noopApplier{}, Bus: b})

	rt := &scriptedRuntime{notes: make(chan agentrpc.Notification, 64), diff: ec.diff}
	sessions := session.NewManager(session.Config{
		Dialer: func(context.Context) (session.Runtime, error) {
			if ec.dialErr != nil {
				return nil, ec.dialErr
			}
			return rt, nil
		},
		Guard:     guard,
		Proposals: proposals,
		Bus:       b,
	})
	runMgr, err := runs.NewManager(runs.Config{
		Commands: []config.CommandConfig{
			{ID: "test", Command: "go", Args: []string{"test", "./..."}},
			{ID: "lint", Command: "golangci-lint", Disabled: true},
		},
		RepoRoot: repo,
		Host:     ec.spawner,
		Bus:      b,
	})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}

	provider, err := otel.Init(context.Background(), otel.Config{})
	if err != nil {
		t.Fatalf("otel: %v", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	gcfg := gateway.Config{
		Store:     store,
		Guard:     guard,
		Sessions:  sessions,
		Proposals: proposals,
		Runs:      runMgr,
		Bus:       b,
		Telemetry: provider,
		Metrics:   metrics,
		AuthToken: testToken,
		KeepAlive: time.Hour,
	}
	if ec.gw != nil {
		ec.gw(&gcfg)
	}
	srv, err := gateway.New(gcfg)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = runMgr.Close(ctx)
		_ = sessions.Close(ctx)
	})
	return &testEnv{ts: ts, store: store, bus: b, runtime: rt}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Turngate-Actor", "reviewer")
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// decode reads the JSON body and checks the status code.
func decode(t *testing.T, resp *http.Response, wantStatus int, v any) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status = %d, want %d; body: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, wantStatus, raw)
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
}

type sseFrame struct {
	Event string
	ID    string
	Frame gateway.Frame
	Raw   json.RawMessage
}

// readSSE consumes the stream until the server closes it.
func readSSE(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			cur.Raw = json.RawMessage(strings.TrimPrefix(line, "data: "))
			if err := json.Unmarshal(cur.Raw, &cur.Frame); err != nil {
				t.Fatalf("decode frame %s: %v", cur.Raw, err)
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read stream: %v", err)
	}
	return frames
}

func frameTypes(frames []sseFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Frame.Type
	}
	return out
}

// eventTypes expands the snapshot frame and appends every live frame type,
// giving the full event history a client observed.
func eventTypes(t *testing.T, frames []sseFrame) []string {
	t.Helper()
	if len(frames) == 0 || frames[0].Frame.Type != gateway.FrameSnapshot {
		t.Fatalf("first frame must be the snapshot, got %v", frameTypes(frames))
	}
	var snap struct {
		Payload []struct {
			Type string `json:"type"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(frames[0].Raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	var out []string
	for _, ev := range snap.Payload {
		out = append(out, ev.Type)
	}
	for _, f := range frames[1:] {
		out = append(out, f.Frame.Type)
	}
	return out
}
