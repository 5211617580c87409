// Package sweep runs periodic housekeeping on a cron schedule: it deletes
// long-expired scope overrides, prunes ended turn and run buffers and
// trims the audit log.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

const (
	// ExpiredOverrideGrace keeps expired overrides long enough for status
	// to report "expired" rather than "none".
	ExpiredOverrideGrace = 10 * time.Minute
	AuditRetention       = 30 * 24 * time.Hour
)

// parser accepts standard 5-field expressions and descriptors like "@every 1m".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Store is the durable state the sweeper trims.
type Store interface {
	DeleteExpiredOverrides(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeAuditLog(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner drops ended in-memory event buffers older than a retention window.
type Pruner interface {
	Prune(olderThan time.Duration) int
}

type Config struct {
	Schedule       string
	Store          Store
	Turns          Pruner
	Runs           Pruner
	TurnRetention  time.Duration
	RunRetention   time.Duration
	AuditRetention time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Report counts what one sweep removed.
type Report struct {
	Overrides int64
	Audit     int64
	Turns     int
	Runs      int
}

type Sweeper struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	cron   *cronlib.Cron

	mu      sync.Mutex
	running bool
}

// New validates the schedule. It does not start anything.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.TurnRetention <= 0 {
		cfg.TurnRetention = time.Hour
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = time.Hour
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = AuditRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Sweeper{cfg: cfg, logger: logger, now: now, cron: cronlib.New(cronlib.WithParser(parser))}
	s.cron.Schedule(sched, cronlib.FuncJob(func() { s.Sweep(context.Background()) }))
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule)
}

// Stop halts the schedule and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one pass. Overlapping passes are skipped.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var r Report
	now := s.now()
	if s.cfg.Store != nil {
		n, err := s.cfg.Store.DeleteExpiredOverrides(ctx, now.Add(-ExpiredOverrideGrace))
		if err != nil {
			s.logger.Error("sweep overrides failed", "error", err)
		}
		r.Overrides = n
		n, err = s.cfg.Store.PurgeAuditLog(ctx, now.Add(-s.cfg.AuditRetention))
		if err != nil {
			s.logger.Error("sweep audit log failed", "error", err)
		}
		r.Audit = n
	}
	if s.cfg.Turns != nil {
		r.Turns = s.cfg.Turns.Prune(s.cfg.TurnRetention)
	}
	if s.cfg.Runs != nil {
		r.Runs = s.cfg.Runs.Prune(s.cfg.RunRetention)
	}
	if r != (Report{}) {
		s.logger.Info("sweep completed", "overrides", r.Overrides, "audit", r.Audit, "turns", r.Turns, "runs", r.Runs)
	}
	return r
}
