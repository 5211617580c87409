package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the log has closed and the queue is drained,
// or after the subscriber called Close.
var ErrClosed = errors.New("stream: subscription closed")

// Subscription is a live cursor into a Log.
type Subscription struct {
	log *Log

	mu       sync.Mutex
	queue    []Event
	finished bool
	notify   chan struct{}
}

func newSubscription(l *Log) *Subscription {
	return &Subscription{log: l, notify: make(chan struct{}, 1)}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if !s.finished {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the log closes, or ctx is done.
// Events queued before the log closed are still delivered.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		done := s.finished
		s.mu.Unlock()
		if done {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription from its log and discards queued events.
func (s *Subscription) Close() {
	s.log.detach(s)
	s.mu.Lock()
	s.finished = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}
