// Package stream holds the sequence-numbered event logs behind turn and run
// streaming. A subscriber receives the snapshot taken at attach time and
// then every later event, with no gap and no duplicate.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is one entry in a Log. Seq starts at 1 and increases by one.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Log is an append-only event buffer with fan-out. Appends never block on
// subscribers: each subscription owns an unbounded queue.
type Log struct {
	mu       sync.Mutex
	events   []Event
	subs     map[*Subscription]struct{}
	closed   bool
	closedAt time.Time
	now      func() time.Time
	onAppend func(Event)
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithAppendHook runs fn after every successful append, outside the lock.
func WithAppendHook(fn func(Event)) Option {
	return func(l *Log) { l.onAppend = fn }
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds an event and fans it out. It returns false when the log is already closed.
func (l *Log) Append(typ string, payload any) (Event, bool) {
	return l.append(typ, payload, false)
}

// Close appends a terminal event and closes every subscription. Only the
// first Close (or Append after it) has an effect.
func (l *Log) Close(typ string, payload any) (Event, bool) {
	return l.append(typ, payload, true)
}

func (l *Log) append(typ string, payload any, terminal bool) (Event, bool) {
	raw, err := marshalPayload(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Event{}, false
	}
	ev := Event{
		Seq:       int64(len(l.events)) + 1,
		Type:      typ,
		Payload:   raw,
		Timestamp: l.now().UTC(),
	}
	l.events = append(l.events, ev)
	for sub := range l.subs {
		sub.push(ev)
	}
	if terminal {
		l.closed = true
		l.closedAt = ev.Timestamp
		for sub := range l.subs {
			sub.finish()
		}
		l.subs = make(map[*Subscription]struct{})
	}
	hook := l.onAppend
	l.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return ev, true
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Snapshot returns a copy of every event appended so far.
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Closed reports whether a terminal event has been appended, and when.
func (l *Log) Closed() (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed, l.closedAt
}

// Len returns the number of events appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Subscribers returns the number of live subscriptions.
func (l *Log) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Attach returns the current snapshot and a subscription that delivers every
// later event. Attaching to a closed log yields the full snapshot and an
// already-finished subscription.
func (l *Log) Attach() ([]Event, *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := append([]Event(nil), l.events...)
	sub := newSubscription(l)
	if l.closed {
		sub.finish()
		return snapshot, sub
	}
	l.subs[sub] = struct{}{}
	return snapshot, sub
}

// SubscribeFunc calls fn for every event after the current snapshot, in
// order, on a dedicated goroutine. The returned function detaches it.
func (l *Log) SubscribeFunc(fn func(Event)) (snapshot []Event, unsubscribe func()) {
	snapshot, sub := l.Attach()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			fn(ev)
		}
	}()
	return snapshot, func() {
		cancel()
		sub.Close()
	}
}

func (l *Log) detach(sub *Subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
}
