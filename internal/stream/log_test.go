package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, ErrClosed) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, ev)
	}
}

func collect(sub *Subscription) []Event {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return out
		}
		out = append(out, ev)
	}
}

func TestLog_SequenceNumbers(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		ev, ok := l.Append("delta", map[string]string{"text": "x"})
		if !ok {
			t.Fatalf("append %d rejected", i)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", ev.Seq, i+1)
		}
	}
	if l.Len() != 3 {
		t.Fatalf("len = %d, want 3", l.Len())
	}
}

func TestLog_AttachSnapshotThenLive(t *testing.T) {
	l := NewLog()
	l.Append("delta", "a")
	l.Append("delta", "b")

	snapshot, sub := l.Attach()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snapshot))
	}
	l.Append("delta", "c")
	l.Close("finished", map[string]string{"status": "finished"})

	live := drain(t, sub)
	if len(live) != 2 {
		t.Fatalf("live len = %d, want 2", len(live))
	}
	if live[0].Seq != 3 || live[1].Seq != 4 || live[1].Type != "finished" {
		t.Fatalf("unexpected live events %+v", live)
	}
}

func TestLog_AttachAfterClose(t *testing.T) {
	l := NewLog()
	l.Append("delta", "a")
	l.Close("finished", nil)

	snapshot, sub := l.Attach()
	if len(snapshot) != 2 || snapshot[1].Type != "finished" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on late attach, got %v", err)
	}
	if l.Subscribers() != 0 {
		t.Fatalf("late attach must not register, got %d subscribers", l.Subscribers())
	}
}

func TestLog_AppendAfterCloseIgnored(t *testing.T) {
	l := NewLog()
	if _, ok := l.Close("finished", nil); !ok {
		t.Fatal("first close rejected")
	}
	if _, ok := l.Close("finished", nil); ok {
		t.Fatal("second close accepted")
	}
	if _, ok := l.Append("delta", "late"); ok {
		t.Fatal("append after close accepted")
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want exactly one terminal event", l.Len())
	}
}

func TestLog_ConcurrentAppendAndAttach(t *testing.T) {
	l := NewLog()
	const writers, perWriter = 4, 50

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Append("output", i)
			}
		}()
	}

	type result struct {
		snapshot []Event
		live     []Event
	}
	results := make(chan result, 8)
	for a := 0; a < 8; a++ {
		go func() {
			snapshot, sub := l.Attach()
			results <- result{snapshot: snapshot, live: collect(sub)}
		}()
	}
	wg.Wait()
	l.Close("end", nil)

	total := int64(writers*perWriter + 1)
	for a := 0; a < 8; a++ {
		r := <-results
		all := append(r.snapshot, r.live...)
		if int64(len(all)) != total {
			t.Fatalf("subscriber saw %d events, want %d", len(all), total)
		}
		for i, ev := range all {
			if ev.Seq != int64(i+1) {
				t.Fatalf("gap or duplicate at %d: seq %d", i, ev.Seq)
			}
		}
	}
}

func TestLog_SubscribeFunc(t *testing.T) {
	l := NewLog()
	l.Append("delta", "before")

	got := make(chan Event, 4)
	snapshot, unsubscribe := l.SubscribeFunc(func(ev Event) { got <- ev })
	defer unsubscribe()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snapshot))
	}

	l.Append("delta", "after")
	select {
	case ev := <-got:
		var text string
		if err := ev.Decode(&text); err != nil || text != "after" {
			t.Fatalf("unexpected event %+v (%v)", ev, err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	unsubscribe()
	if l.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after unsubscribe", l.Subscribers())
	}
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	l := NewLog()
	_, sub := l.Attach()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLog_AppendHook(t *testing.T) {
	var seen []string
	l := NewLog(WithAppendHook(func(ev Event) { seen = append(seen, ev.Type) }))
	l.Append("output", nil)
	l.Close("end", nil)
	if len(seen) != 2 || seen[1] != "end" {
		t.Fatalf("hook saw %v", seen)
	}
}
