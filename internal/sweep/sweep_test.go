package sweep

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/turngate/internal/persistence"
)

type countingPruner struct {
	calls atomic.Int32
	last  atomic.Int64
	n     int
}

func (p *countingPruner) Prune(olderThan time.Duration) int {
	p.calls.Add(1)
	p.last.Store(int64(olderThan))
	return p.n
}

type failingStore struct{}

func (failingStore) DeleteExpiredOverrides(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func (failingStore) PurgeAuditLog(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "every minute please"}); err == nil {
		t.Fatal("expected parse error")
	}
	for _, ok := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := New(Config{Schedule: ok}); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
}

func TestSweep_DeletesLongExpiredOverrides(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "turngate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(token string, expires time.Time) {
		t.Helper()
		if err := store.PutOverride(ctx, persistence.ScopeOverride{
			Token: token, Domain: "web-" + token, Roots: []string{"site"}, CreatedAt: expires.Add(-time.Hour), ExpiresAt: expires,
		}); err != nil {
			t.Fatalf("put override: %v", err)
		}
	}
	put("long-gone", now.Add(-time.Hour))
	put("just-expired", now.Add(-time.Minute))
	put("live", now.Add(time.Hour))

	turns, runs := &countingPruner{n: 2}, &countingPruner{n: 1}
	s, err := New(Config{Store: store, Turns: turns, Runs: runs, TurnRetention: 5 * time.Minute, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r := s.Sweep(ctx)
	if r.Overrides != 1 || r.Turns != 2 || r.Runs != 1 {
		t.Fatalf("unexpected report %+v", r)
	}
	if _, err := store.GetOverride(ctx, "long-gone", "web-long-gone"); !persistence.IsNotFound(err) {
		t.Fatalf("long-expired override should be deleted, got %v", err)
	}
	for _, tok := range []string{"just-expired", "live"} {
		if _, err := store.GetOverride(ctx, tok, "web-"+tok); err != nil {
			t.Fatalf("%s should survive: %v", tok, err)
		}
	}
	if time.Duration(turns.last.Load()) != 5*time.Minute || time.Duration(runs.last.Load()) != time.Hour {
		t.Fatalf("retention windows not passed through")
	}
}

func TestSweep_StoreErrorsDoNotStopPruning(t *testing.T) {
	turns := &countingPruner{}
	s, err := New(Config{Store: failingStore{}, Turns: turns})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Sweep(context.Background())
	if turns.calls.Load() != 1 {
		t.Fatal("turn pruning must run even when the store fails")
	}
}

func TestStartStop_RunsOnSchedule(t *testing.T) {
	turns := &countingPruner{}
	s, err := New(Config{Schedule: "@every 1s", Turns: turns})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for turns.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()
	if turns.calls.Load() == 0 {
		t.Fatal("scheduled sweep never ran")
	}
}
