package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turngate/internal/shared"
)

// Decision values recorded for scope checks and resolutions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	// DecisionFatal marks a startup failure.
	DecisionFatal = "fatal"
)

// Entry is one scope or resolution decision.
type Entry struct {
	Decision  string
	Operation string
	Domain    string
	LoopID    string
	Paths     []string
	Reason    string
}

type record struct {
	Timestamp string   `json:"timestamp"`
	TraceID   string   `json:"trace_id"`
	Actor     string   `json:"actor"`
	Decision  string   `json:"decision"`
	Operation string   `json:"operation"`
	Domain    string   `json:"domain,omitempty"`
	LoopID    string   `json:"loop_id,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	Reason    string   `json:"reason"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens <home>/logs/audit.jsonl for appending. Safe to call twice.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors entries into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends e to the JSONL log and the audit_log table. Trace ID and
// actor come from ctx.
func Record(ctx context.Context, e Entry) {
	if e.Decision == DecisionDeny {
		denyCount.Add(1)
	}

	if e.LoopID == "" {
		e.LoopID = shared.LoopID(ctx)
	}
	rec := record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Actor:     shared.Actor(ctx),
		Decision:  e.Decision,
		Operation: e.Operation,
		Domain:    e.Domain,
		LoopID:    e.LoopID,
		Paths:     e.Paths,
		Reason:    shared.Redact(e.Reason),
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(rec)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, actor, operation, decision, domain, loop_id, paths, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.TraceID, rec.Actor, rec.Operation, rec.Decision, rec.Domain, rec.LoopID, strings.Join(rec.Paths, "\n"), rec.Reason)
	}
}
