package diff

import (
	"strings"
	"testing"
)

const gitDiff = `diff --git a/site/content/index.md b/site/content/index.md
index 3b18e51..a9c3f2d 100644
--- a/site/content/index.md
+++ b/site/content/index.md
@@ -1,3 +1,4 @@
 # Home
-Old intro.
+New intro.
+Second line.
 Footer
diff --git a/site/content/new.md b/site/content/new.md
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/site/content/new.md
@@ -0,0 +1,2 @@
+hello
+world
diff --git a/site/content/gone.md b/site/content/gone.md
deleted file mode 100644
index e69de29..0000000
--- a/site/content/gone.md
+++ /dev/null
@@ -1 +0,0 @@
-bye
diff --git a/docs/old.md b/docs/renamed.md
similarity index 100%
rename from docs/old.md
rename to docs/renamed.md
`

func TestParse_GitDiff(t *testing.T) {
	res := Parse(Input{Diff: gitDiff})
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	want := []FileEntry{
		{Path: "site/content/index.md", Status: StatusModified, Additions: 2, Deletions: 1, HasPatch: true},
		{Path: "site/content/new.md", Status: StatusAdded, Additions: 2, HasPatch: true},
		{Path: "site/content/gone.md", Status: StatusDeleted, Deletions: 1, HasPatch: true},
		{Path: "docs/renamed.md", OldPath: "docs/old.md", Status: StatusRenamed, HasPatch: true},
	}
	if len(res.Files) != len(want) {
		t.Fatalf("got %d files, want %d: %+v", len(res.Files), len(want), res.Files)
	}
	for i := range want {
		if res.Files[i] != want[i] {
			t.Errorf("file %d = %+v, want %+v", i, res.Files[i], want[i])
		}
	}
}

func TestParse_PlainUnifiedDiff(t *testing.T) {
	plain := "--- a/one.txt\t2026-01-01 00:00:00\n+++ b/one.txt\t2026-01-02 00:00:00\n@@ -1 +1 @@\n-a\n+b\n" +
		"--- a/two.txt\n+++ b/two.txt\n@@ -2,2 +2,2 @@\n ctx\n-x\n+y\n"
	res := Parse(Input{Diff: plain})
	if len(res.Files) != 2 || res.Files[0].Path != "one.txt" || res.Files[1].Path != "two.txt" {
		t.Fatalf("unexpected files %+v", res.Files)
	}
	if res.Files[1].Additions != 1 || res.Files[1].Deletions != 1 {
		t.Fatalf("unexpected counts %+v", res.Files[1])
	}
}

func TestParse_GarbageFallsBack(t *testing.T) {
	res := Parse(Input{Diff: "this is not\na diff at all", FallbackFiles: []string{"a.md", " ", "b.md", "a.md"}})
	if len(res.Files) != 2 {
		t.Fatalf("expected two fallback files, got %+v", res.Files)
	}
	for _, f := range res.Files {
		if f.HasPatch {
			t.Fatalf("fallback entry must not claim a patch: %+v", f)
		}
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning for garbage input")
	}
}

func TestParse_EmptyDiff(t *testing.T) {
	res := Parse(Input{FallbackFiles: []string{"x.go"}})
	if len(res.Files) != 1 || res.Files[0].HasPatch {
		t.Fatalf("unexpected files %+v", res.Files)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "empty") {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
}

func TestParse_TruncatedHunk(t *testing.T) {
	truncated := "diff --git a/x.go b/x.go\n--- a/x.go\n+++ b/x.go\n@@ -1,5 +1,6 @@\n package x\n+// added\n"
	res := Parse(Input{Diff: truncated, FallbackFiles: []string{"x.go"}})
	if len(res.Files) != 1 || res.Files[0].Path != "x.go" || !res.Files[0].HasPatch {
		t.Fatalf("unexpected files %+v", res.Files)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "truncated") {
		t.Fatalf("expected truncation warning, got %v", res.Warnings)
	}
}

func TestParse_MalformedHunkHeader(t *testing.T) {
	bad := "diff --git a/x.go b/x.go\n--- a/x.go\n+++ b/x.go\n@@ nonsense @@\n+x\n"
	res := Parse(Input{Diff: bad})
	if len(res.Files) != 1 {
		t.Fatalf("expected the file to survive, got %+v", res.Files)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning for the bad hunk header")
	}
}

func TestParse_FallbackFilesMissingFromDiff(t *testing.T) {
	d := "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n"
	res := Parse(Input{Diff: d, FallbackFiles: []string{"x.go", "y.go"}})
	if len(res.Files) != 2 || res.Files[1].Path != "y.go" || res.Files[1].HasPatch {
		t.Fatalf("unexpected files %+v", res.Files)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}
}

func TestParse_BinaryAndNoNewline(t *testing.T) {
	d := "diff --git a/logo.png b/logo.png\nindex 1..2 100644\nBinary files a/logo.png and b/logo.png differ\n" +
		"diff --git a/t.txt b/t.txt\n--- a/t.txt\n+++ b/t.txt\n@@ -1 +1 @@\n-a\n\\ No newline at end of file\n+b\n\\ No newline at end of file\n"
	res := Parse(Input{Diff: d})
	if len(res.Files) != 2 {
		t.Fatalf("unexpected files %+v", res.Files)
	}
	if res.Files[0].HasPatch {
		t.Fatal("binary entry has no textual patch")
	}
	if res.Files[1].Additions != 1 || res.Files[1].Deletions != 1 {
		t.Fatalf("unexpected counts %+v", res.Files[1])
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "binary") {
		t.Fatalf("expected binary warning, got %v", res.Warnings)
	}
}

func TestPaths_IncludesRenameSource(t *testing.T) {
	got := Paths([]FileEntry{
		{Path: "b.md", OldPath: "a.md", Status: StatusRenamed},
		{Path: "c.md", Status: StatusModified},
		{Path: "c.md", Status: StatusModified},
	})
	if strings.Join(got, ",") != "b.md,a.md,c.md" {
		t.Fatalf("Paths = %v", got)
	}
}

func TestParse_StripsOneComponentLikeGitApply(t *testing.T) {
	tests := []struct {
		name string
		diff string
		want string
	}{
		{"plain without prefixes", "--- /dev/null\n+++ site/content/evil.sh\n@@ -0,0 +1 @@\n+pwned\n", "content/evil.sh"},
		{"git header without prefixes", "diff --git site/content/x.md site/content/x.md\n--- site/content/x.md\n+++ site/content/x.md\n@@ -1 +1 @@\n-a\n+b\n", "content/x.md"},
		{"custom prefixes", "--- old/site/a.md\n+++ new/site/a.md\n@@ -1 +1 @@\n-a\n+b\n", "site/a.md"},
		{"doubled slash", "--- a//docs/x.md\n+++ b//docs/x.md\n@@ -1 +1 @@\n-a\n+b\n", "docs/x.md"},
		{"bare name kept", "--- /dev/null\n+++ evil.sh\n@@ -0,0 +1 @@\n+x\n", "evil.sh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(Input{Diff: tt.diff})
			if len(res.Files) != 1 || res.Files[0].Path != tt.want {
				t.Fatalf("files = %+v, want one entry for %q", res.Files, tt.want)
			}
		})
	}
}

func TestParse_GitHeaderWithoutPrefixesNoHunks(t *testing.T) {
	d := "diff --git site/content/old.md site/content/old.md\nold mode 100644\nnew mode 100755\n"
	res := Parse(Input{Diff: d})
	if len(res.Files) != 1 || res.Files[0].Path != "content/old.md" {
		t.Fatalf("unexpected files %+v", res.Files)
	}
}

func TestParse_RenameLinesAreNotStripped(t *testing.T) {
	d := "diff --git a/docs/old.md b/docs/new.md\nsimilarity index 100%\nrename from docs/old.md\nrename to docs/new.md\n"
	res := Parse(Input{Diff: d})
	if len(res.Files) != 1 {
		t.Fatalf("unexpected files %+v", res.Files)
	}
	if f := res.Files[0]; f.Path != "docs/new.md" || f.OldPath != "docs/old.md" {
		t.Fatalf("rename entry = %+v", f)
	}
}
