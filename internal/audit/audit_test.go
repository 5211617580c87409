package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/turngate/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithActor(shared.WithTraceID(context.Background(), "trace-1"), "companion")
	Record(ctx, Entry{Decision: DecisionDeny, Operation: "apply", Domain: "web", Paths: []string{"/etc/passwd"}, Reason: "outside allowed roots"})
	Record(ctx, Entry{Decision: DecisionAllow, Operation: "propose", Domain: "web", Reason: "in scope"})

	entries := readEntries(t, home)
	if len(entries) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first["decision"] != "deny" || first["operation"] != "apply" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["trace_id"] != "trace-1" || first["actor"] != "companion" {
		t.Fatalf("expected context fields, got %#v", first)
	}
	paths, _ := first["paths"].([]any)
	if len(paths) != 1 || paths[0] != "/etc/passwd" {
		t.Fatalf("expected paths in entry, got %#v", first["paths"])
	}
}

func TestRecordCountsDenies(t *testing.T) {
	before := DenyCount()
	Record(context.Background(), Entry{Decision: DecisionDeny, Operation: "enforce"})
	Record(context.Background(), Entry{Decision: DecisionAllow, Operation: "enforce"})
	if got := DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}
}

func TestRecordRedactsReason(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), Entry{Decision: DecisionAllow, Operation: "resolve", Reason: "token Bearer abcdef1234567890abcdef"})
	entries := readEntries(t, home)
	reason, _ := entries[len(entries)-1]["reason"].(string)
	if strings.Contains(reason, "abcdef1234567890abcdef") {
		t.Fatalf("expected reason to be redacted, got %q", reason)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), Entry{Decision: DecisionAllow, Operation: "op1"})
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	Record(context.Background(), Entry{Decision: DecisionDeny, Operation: "op2"})
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, before=%d after=%d", info1.Size(), info2.Size())
	}
	for i, e := range readEntries(t, home) {
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
	}
}
