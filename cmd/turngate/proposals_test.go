package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeGateway serves the proposal endpoints the CLI calls.
func fakeGateway(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/proposals", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "pending" {
			t.Errorf("status filter = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"proposals": []map[string]any{
			{"id": "01HZY", "status": "pending", "domain": "web", "loopId": "loop-a",
				"files": []string{"site/content/a.md", "site/content/b.md"}, "createdAt": "2026-10-19T10:00:00Z"},
		}})
	})
	mux.HandleFunc("POST /api/proposals/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		var req struct {
			Decision string `json:"decision"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch r.PathValue("id") {
		case "ok":
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "code": 200, "proposalId": "ok", "status": req.Decision + "d"})
		case "scope":
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "code": 403, "proposalId": "scope", "status": "pending",
				"outOfScope": []string{"docs/x.md"}, "message": "paths outside allowed roots"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "NOT_FOUND: proposal not found", "kind": "NOT_FOUND"})
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestRunProposalsCommand_ListsPending(t *testing.T) {
	ts := fakeGateway(t, "tok")
	setTestConfig(t, ts.Listener.Addr().String())

	var out, errOut bytes.Buffer
	if code := runProposalsCommand(context.Background(), nil, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d (stderr %q)", code, errOut.String())
	}
	got := out.String()
	for _, want := range []string{"ID", "01HZY", "pending", "site/content/a.md (+1)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRenderProposals_Styled(t *testing.T) {
	var buf bytes.Buffer
	renderProposals(&buf, []proposalRow{{ID: "p1", Status: "pending", Domain: "web"}}, true)
	out := buf.String()
	if !strings.Contains(out, "p1") || !strings.Contains(out, "╭") {
		t.Fatalf("expected a rounded table, got:\n%s", out)
	}
}

func TestRunResolveCommand(t *testing.T) {
	ts := fakeGateway(t, "tok")
	home := setTestConfig(t, ts.Listener.Addr().String())
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("tok\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := runResolveCommand(context.Background(), "approve", []string{"ok"}, &out, &errOut); code != 0 {
		t.Fatalf("approve exit = %d (stderr %q)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "proposal ok approved") {
		t.Fatalf("stdout = %q", out.String())
	}

	out.Reset()
	errOut.Reset()
	if code := runResolveCommand(context.Background(), "approve", []string{"scope"}, &out, &errOut); code != 1 {
		t.Fatalf("scope refusal exit = %d", code)
	}
	if !strings.Contains(errOut.String(), "out of scope: docs/x.md") {
		t.Fatalf("stderr = %q", errOut.String())
	}

	errOut.Reset()
	if code := runResolveCommand(context.Background(), "reject", []string{"missing"}, &out, &errOut); code != 1 {
		t.Fatalf("missing exit = %d", code)
	}
	if !strings.Contains(errOut.String(), "proposal not found") {
		t.Fatalf("stderr = %q", errOut.String())
	}

	if code := runResolveCommand(context.Background(), "approve", nil, &out, &errOut); code != 2 {
		t.Fatalf("missing id exit = %d, want 2", code)
	}
}
