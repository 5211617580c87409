package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/turngate/internal/persistence"
)

func TestRunAuditCommand_ListsEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/audit", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("decision"); got != "deny" {
			t.Errorf("decision filter = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"entries": []map[string]any{
			{"id": 7, "actor": "api", "operation": "apply", "decision": "deny", "domain": "web",
				"paths": []string{"content/evil.sh"}, "reason": "1 path(s) outside allowed roots", "createdAt": "2026-10-19T10:00:00Z"},
		}})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	setTestConfig(t, ts.Listener.Addr().String())

	var out, errOut bytes.Buffer
	if code := runAuditCommand(context.Background(), []string{"-decision", "deny"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d, stderr %s", code, errOut.String())
	}
	for _, want := range []string{"DECISION", "deny", "apply", "content/evil.sh"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunAuditCommand_ExtraArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runAuditCommand(context.Background(), []string{"extra"}, &out, &errOut); code != 2 {
		t.Fatalf("exit %d, want 2", code)
	}
}

func TestRunBackupCommand_CopiesDatabase(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:0")
	store, err := persistence.Open(filepath.Join(home, "turngate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p := &persistence.Proposal{ID: "p-backup", Domain: "web", Files: []string{"site/content/a.md"}, Diff: "+x\n"}
	if err := store.InsertProposal(context.Background(), p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()

	dest := filepath.Join(t.TempDir(), "copy.db")
	var out, errOut bytes.Buffer
	if code := runBackupCommand(context.Background(), []string{"-out", dest}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d, stderr %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), dest) {
		t.Fatalf("output = %q", out.String())
	}

	db, err := sql.Open("sqlite3", dest)
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(1) FROM proposals WHERE id = 'p-backup';`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("copied proposals: n=%d err=%v", n, err)
	}

	errOut.Reset()
	if code := runBackupCommand(context.Background(), []string{"-out", dest}, &out, &errOut); code != 1 {
		t.Fatalf("existing destination: exit %d, want 1", code)
	}
}

func TestRunBackupCommand_DefaultDestination(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:0")
	var out, errOut bytes.Buffer
	if code := runBackupCommand(context.Background(), nil, &out, &errOut); code != 0 {
		t.Fatalf("exit %d, stderr %s", code, errOut.String())
	}
	entries, err := os.ReadDir(filepath.Join(home, "backups"))
	if err != nil || len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "turngate-") {
		t.Fatalf("backups dir: %v err=%v", entries, err)
	}
}
