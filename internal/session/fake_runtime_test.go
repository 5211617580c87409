package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turngate/internal/agentrpc"
)

// fakeRuntime stands in for the agent runtime process.
type fakeRuntime struct {
	mu         sync.Mutex
	notes      chan agentrpc.Notification
	closed     bool
	err        error
	threads    int
	turns      int
	interrupts []string

	// onTurn runs before StartTurn returns, with the new protocol turn id.
	onTurn func(protoID string)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{notes: make(chan agentrpc.Notification, 256)}
}

func (f *fakeRuntime) Initialize(context.Context, agentrpc.ClientInfo) error { return nil }

func (f *fakeRuntime) StartThread(context.Context, agentrpc.ThreadParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", agentrpc.ErrClosed
	}
	f.threads++
	return fmt.Sprintf("th-%d", f.threads), nil
}

func (f *fakeRuntime) StartTurn(_ context.Context, _ string, _ string) (string, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", agentrpc.ErrClosed
	}
	f.turns++
	id := fmt.Sprintf("pt-%d", f.turns)
	hook := f.onTurn
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakeRuntime) InterruptTurn(_ context.Context, _ string, turnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, turnID)
	return nil
}

func (f *fakeRuntime) Notifications() <-chan agentrpc.Notification { return f.notes }

func (f *fakeRuntime) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeRuntime) Close() error {
	f.crash(agentrpc.ErrClosed)
	return nil
}

// crash ends the runtime with err, as if the process died.
func (f *fakeRuntime) crash(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.notes)
}

// emit sends a notification unless the runtime is gone.
func (f *fakeRuntime) emit(method string, params map[string]any) {
	raw, _ := json.Marshal(params)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.notes <- agentrpc.Notification{Method: method, Params: raw}
}

func (f *fakeRuntime) delta(protoID, text string) {
	f.emit(agentrpc.MethodAgentDelta, map[string]any{"threadId": "th", "turnId": protoID, "delta": text})
}

func (f *fakeRuntime) diff(protoID, diff string) {
	f.emit(agentrpc.MethodDiffUpdated, map[string]any{"threadId": "th", "turnId": protoID, "diff": diff})
}

func (f *fakeRuntime) completed(protoID, status, errMsg string) {
	turn := map[string]any{"status": status}
	if errMsg != "" {
		turn["error"] = map[string]string{"message": errMsg}
	}
	f.emit(agentrpc.MethodTurnCompleted, map[string]any{"threadId": "th", "turnId": protoID, "turn": turn})
}

func (f *fakeRuntime) interrupted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.interrupts...)
}

// fakeDialer hands out runtimes and counts dials.
type fakeDialer struct {
	dials atomic.Int32
	delay time.Duration
	fail  atomic.Int32 // number of upcoming dials that fail

	mu       sync.Mutex
	runtimes []*fakeRuntime
	onTurn   func(rt *fakeRuntime, protoID string)
}

func (d *fakeDialer) Dial(ctx context.Context) (Runtime, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail.Load() > 0 {
		d.fail.Add(-1)
		return nil, errors.New("exec: agent not found")
	}
	rt := newFakeRuntime()
	d.mu.Lock()
	if d.onTurn != nil {
		hook := d.onTurn
		rt.onTurn = func(id string) { hook(rt, id) }
	}
	d.runtimes = append(d.runtimes, rt)
	d.mu.Unlock()
	return rt, nil
}

func (d *fakeDialer) last() *fakeRuntime {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.runtimes) == 0 {
		return nil
	}
	return d.runtimes[len(d.runtimes)-1]
}
