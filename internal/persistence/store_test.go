package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "turngate.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	for _, table := range []string{"scope_overrides", "proposals", "loop_settings", "audit_log", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestStore_ReopenKeepsSchema(t *testing.T) {
	store, path := openTestStore(t)
	if err := store.InsertProposal(context.Background(), &persistence.Proposal{
		ID: "p1", Files: []string{"a.txt"}, Diff: "diff", ApprovalToken: "tok-1",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetProposal(context.Background(), "p1"); err != nil {
		t.Fatalf("proposal lost across reopen: %v", err)
	}
}

func TestProposals_RoundTripCompressesDiff(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	diff := "diff --git a/x.go b/x.go\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n"

	p := &persistence.Proposal{
		ID: "p1", LoopID: "loop-1", Domain: "web", Files: []string{"x.go"},
		Diff: diff, ApprovalToken: "tok-1", ScopeOverrideToken: "ovr-1", TurnID: "turn-1",
	}
	if err := store.InsertProposal(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if p.DiffHash != persistence.HashDiff(diff) {
		t.Fatalf("expected diff hash to be filled in")
	}

	got, err := store.GetProposalByApprovalToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if got.Diff != diff || got.Status != persistence.ProposalPending || got.ScopeOverrideToken != "ovr-1" {
		t.Fatalf("unexpected proposal %+v", got)
	}

	var stored []byte
	if err := store.DB().QueryRow(`SELECT diff_zstd FROM proposals WHERE id='p1';`).Scan(&stored); err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(stored) == diff {
		t.Fatal("expected diff to be stored compressed")
	}
}

func TestProposals_ResolveOnlyOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.InsertProposal(ctx, &persistence.Proposal{ID: "p1", Files: []string{"a"}, Diff: "d", ApprovalToken: "t"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ResolveProposal(ctx, "p1", persistence.ProposalApproved, "alice")
			if err != nil {
				t.Errorf("resolve: %v", err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning resolve, got %d", wins)
	}

	ok, err := store.ResolveProposal(ctx, "p1", persistence.ProposalRejected, "bob")
	if err != nil || ok {
		t.Fatalf("resolved proposal must not change: ok=%v err=%v", ok, err)
	}
	got, _ := store.GetProposal(ctx, "p1")
	if got.Status != persistence.ProposalApproved || got.ResolvedBy != "alice" || got.ResolvedAt == nil {
		t.Fatalf("unexpected resolved proposal %+v", got)
	}
}

func TestProposals_ListFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, loop := range []string{"a", "b", "a"} {
		p := &persistence.Proposal{
			ID: string(rune('1' + i)), LoopID: loop, Files: []string{"f"}, Diff: "d",
			ApprovalToken: "tok-" + string(rune('1'+i)), CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertProposal(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	list, err := store.ListProposals(ctx, "a", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "3" || list[1].ID != "1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if n, _ := store.CountProposals(ctx, persistence.ProposalPending); n != 3 {
		t.Fatalf("pending count = %d, want 3", n)
	}
}

func TestProposals_MissingIsNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetProposal(context.Background(), "nope")
	if !persistence.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOverrides_LastWriterWinsPerDomain(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := persistence.ScopeOverride{Token: "t1", Domain: "web", Roots: []string{"/repo/a"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	second := persistence.ScopeOverride{Token: "t2", Domain: "web", Roots: []string{"/repo/b"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.PutOverride(ctx, first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := store.PutOverride(ctx, second); err != nil {
		t.Fatalf("put second: %v", err)
	}
	if _, err := store.GetOverride(ctx, "t1", ""); !persistence.IsNotFound(err) {
		t.Fatalf("expected first override replaced, got %v", err)
	}
	got, err := store.GetOverride(ctx, "", "web")
	if err != nil {
		t.Fatalf("get by domain: %v", err)
	}
	if got.Token != "t2" || len(got.Roots) != 1 || got.Roots[0] != "/repo/b" {
		t.Fatalf("unexpected override %+v", got)
	}
}

func TestOverrides_DeleteAndPurge(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.PutOverride(ctx, persistence.ScopeOverride{Token: "t1", Domain: "web", Roots: []string{"/r"}, CreatedAt: now, ExpiresAt: now.Add(-2 * time.Hour)})
	_ = store.PutOverride(ctx, persistence.ScopeOverride{Token: "t2", Domain: "docs", Roots: []string{"/r"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})

	n, err := store.DeleteExpiredOverrides(ctx, now.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	removed, err := store.DeleteOverride(ctx, "docs")
	if err != nil || removed == nil {
		t.Fatalf("delete by domain: removed=%v err=%v", removed, err)
	}
	if removed.Token != "t2" || removed.Domain != "docs" {
		t.Fatalf("unexpected removed row %+v", removed)
	}
	removed, _ = store.DeleteOverride(ctx, "docs")
	if removed != nil {
		t.Fatal("second delete should report nothing removed")
	}
}

func TestOverrides_DeleteByTokenReturnsDomain(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.PutOverride(ctx, persistence.ScopeOverride{Token: "tok-web", Domain: "web", Roots: []string{"/r/docs"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})

	removed, err := store.DeleteOverride(ctx, "tok-web")
	if err != nil || removed == nil {
		t.Fatalf("delete by token: removed=%v err=%v", removed, err)
	}
	if removed.Domain != "web" || len(removed.Roots) != 1 || removed.Roots[0] != "/r/docs" {
		t.Fatalf("expected the web override back, got %+v", removed)
	}
	if _, err := store.GetOverride(ctx, "", "web"); !persistence.IsNotFound(err) {
		t.Fatalf("expected override gone, got %v", err)
	}
}

func TestLoopSettings_DefaultAndUpsert(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	ls, err := store.GetLoopSettings(ctx, "loop-1")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if ls.TrustMode != persistence.TrustModeReview || ls.AutoApply() {
		t.Fatalf("unexpected default %+v", ls)
	}

	if _, err := store.PutLoopSettings(ctx, persistence.LoopSettings{LoopID: "loop-1", TrustMode: "yolo"}); err == nil {
		t.Fatal("expected invalid trust mode to be rejected")
	}
	if _, err := store.PutLoopSettings(ctx, persistence.LoopSettings{LoopID: "loop-1", TrustMode: persistence.TrustModeTrusted, AutoApplyEnabled: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ls, _ = store.GetLoopSettings(ctx, "loop-1")
	if !ls.AutoApply() {
		t.Fatalf("expected auto-apply after upsert, got %+v", ls)
	}
}

func TestAuditLog_RecordedThroughAuditPackage(t *testing.T) {
	store, _ := openTestStore(t)
	audit.SetDB(store.DB())
	t.Cleanup(func() { audit.SetDB(nil) })

	audit.Record(context.Background(), audit.Entry{Decision: audit.DecisionDeny, Operation: "apply", Domain: "web", Paths: []string{"/etc/passwd", "/etc/shadow"}})

	audit.Record(context.Background(), audit.Entry{Decision: audit.DecisionAllow, Operation: "override.start", Domain: "web"})

	rows, err := store.ListAudit(context.Background(), "deny", 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(rows) != 1 || rows[0].Decision != "deny" || len(rows[0].Paths) != 2 {
		t.Fatalf("unexpected audit rows %+v", rows)
	}
	all, _ := store.ListAudit(context.Background(), "", 10)
	if len(all) != 2 || all[0].Operation != "override.start" {
		t.Fatalf("expected both rows newest first, got %+v", all)
	}
	if n, _ := store.AuditCount(context.Background(), "deny"); n != 1 {
		t.Fatalf("deny count = %d", n)
	}
	purged, err := store.PurgeAuditLog(context.Background(), time.Now().Add(time.Hour))
	if err != nil || purged != 2 {
		t.Fatalf("purge audit: n=%d err=%v", purged, err)
	}
}

func TestBackup_WritesCopy(t *testing.T) {
	store, _ := openTestStore(t)
	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	db, err := sql.Open("sqlite3", dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations;`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("backup schema: n=%d err=%v", n, err)
	}
	if err := store.Backup(context.Background(), dest); err == nil {
		t.Fatal("expected error when destination exists")
	}
}
