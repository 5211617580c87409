// Package diff turns unified-diff text into per-file change records. It
// never fails: anything it cannot understand becomes a warning and, when
// nothing usable is left, the caller's fallback file list.
package diff

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Status string

const (
	StatusAdded    Status = "added"
	StatusModified Status = "modified"
	StatusDeleted  Status = "deleted"
	StatusRenamed  Status = "renamed"
)

// FileEntry is one file touched by a diff. It is derived, never stored.
type FileEntry struct {
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"`
	Status    Status `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	// HasPatch is false when the entry came from the fallback list or the
	// diff carried no hunk for it (binary files).
	HasPatch bool `json:"hasPatch"`
}

type Input struct {
	Diff          string
	FallbackFiles []string
}

type Result struct {
	Files    []FileEntry `json:"files"`
	Warnings []string    `json:"warnings"`
}

const devNull = "/dev/null"

// hunkHeader matches @@ -old_start,old_count +new_start,new_count @@
var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

type parser struct {
	files    []*fileState
	cur      *fileState
	warnings []string

	// remaining lines in the open hunk
	oldLeft, newLeft int
	inHunk           bool
	lineNo           int
}

type fileState struct {
	entry   FileEntry
	oldName string
	newName string
	hunks   int
	binary  bool
	headers bool
}

// Parse reads in.Diff. Files appear in diff order, followed by any fallback
// files the diff did not mention.
func Parse(in Input) Result {
	p := &parser{}
	if strings.TrimSpace(in.Diff) != "" {
		p.run(in.Diff)
	}

	res := Result{Files: make([]FileEntry, 0, len(p.files))}
	seen := make(map[string]bool)
	for _, f := range p.files {
		e, ok := p.finish(f)
		if !ok {
			continue
		}
		seen[e.Path] = true
		res.Files = append(res.Files, e)
	}
	res.Warnings = p.warnings

	switch {
	case strings.TrimSpace(in.Diff) == "":
		res.Warnings = append(res.Warnings, "diff is empty; using fallback file list")
	case len(res.Files) == 0:
		res.Warnings = append(res.Warnings, "no file headers found in diff; using fallback file list")
	}

	var extra []string
	for _, raw := range in.FallbackFiles {
		path := strings.TrimSpace(raw)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		res.Files = append(res.Files, FileEntry{Path: path, Status: StatusModified})
		extra = append(extra, path)
	}
	if len(extra) > 0 && len(p.files) > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d file(s) reported without a patch: %s", len(extra), strings.Join(extra, ", ")))
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res
}

// Paths lists every path a set of entries touches, including the source of
// a rename, without duplicates.
func Paths(files []FileEntry) []string {
	out := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, f := range files {
		add(f.Path)
		if f.Status == StatusRenamed {
			add(f.OldPath)
		}
	}
	return out
}

func (p *parser) warn(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf("line %d: ", p.lineNo)+fmt.Sprintf(format, args...))
}

func (p *parser) run(text string) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		p.lineNo++
		p.line(strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		p.warn("stopped reading diff: %v", err)
	}
	p.closeHunk()
}

func (p *parser) line(line string) {
	if p.inHunk {
		switch {
		case strings.HasPrefix(line, "+"):
			p.cur.entry.Additions++
			p.newLeft--
		case strings.HasPrefix(line, "-"):
			p.cur.entry.Deletions++
			p.oldLeft--
		case strings.HasPrefix(line, " "), line == "":
			p.oldLeft--
			p.newLeft--
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
			return
		default:
			p.closeHunk()
			p.header(line)
			return
		}
		if p.oldLeft <= 0 && p.newLeft <= 0 {
			if p.oldLeft < 0 || p.newLeft < 0 {
				p.warn("hunk in %s has more lines than its header declares", p.cur.displayName())
			}
			p.inHunk = false
		}
		return
	}
	p.header(line)
}

func (p *parser) closeHunk() {
	if p.inHunk && (p.oldLeft > 0 || p.newLeft > 0) {
		p.warn("hunk in %s is truncated (%d old, %d new lines missing)", p.cur.displayName(), max(p.oldLeft, 0), max(p.newLeft, 0))
	}
	p.inHunk = false
	p.oldLeft, p.newLeft = 0, 0
}

func (p *parser) header(line string) {
	switch {
	case strings.HasPrefix(line, "diff --git "):
		p.start()
		p.cur.headers = true
		a, b, ok := splitGitHeader(strings.TrimPrefix(line, "diff --git "))
		if !ok {
			p.warn("unreadable diff header %q", line)
			return
		}
		p.cur.oldName, p.cur.newName = a, b

	case strings.HasPrefix(line, "--- "):
		if p.cur == nil || p.cur.hunks > 0 || (p.cur.oldName != "" && !p.cur.headers) {
			p.start()
		}
		p.cur.oldName = HeaderName(strings.TrimPrefix(line, "--- "))

	case strings.HasPrefix(line, "+++ "):
		if p.cur == nil {
			p.warn("'+++' line without a preceding '---' line")
			p.start()
		}
		p.cur.newName = HeaderName(strings.TrimPrefix(line, "+++ "))

	case strings.HasPrefix(line, "new file mode"):
		if p.cur != nil {
			p.cur.entry.Status = StatusAdded
		}
	case strings.HasPrefix(line, "deleted file mode"):
		if p.cur != nil {
			p.cur.entry.Status = StatusDeleted
		}
	case strings.HasPrefix(line, "rename from "), strings.HasPrefix(line, "copy from "):
		if p.cur != nil {
			p.cur.entry.Status = StatusRenamed
			p.cur.oldName = unquote(line[strings.Index(line, "from ")+5:])
		}
	case strings.HasPrefix(line, "rename to "), strings.HasPrefix(line, "copy to "):
		if p.cur != nil {
			p.cur.entry.Status = StatusRenamed
			p.cur.newName = unquote(line[strings.Index(line, "to ")+3:])
		}
	case strings.HasPrefix(line, "Binary files ") || strings.HasPrefix(line, "GIT binary patch"):
		if p.cur != nil {
			p.cur.binary = true
		}

	case strings.HasPrefix(line, "@@"):
		m := hunkHeader.FindStringSubmatch(line)
		if m == nil {
			p.warn("malformed hunk header %q", line)
			return
		}
		if p.cur == nil {
			p.warn("hunk without a file header")
			p.start()
		}
		p.cur.hunks++
		p.oldLeft = count(m[2])
		p.newLeft = count(m[4])
		p.inHunk = p.oldLeft > 0 || p.newLeft > 0

	case strings.HasPrefix(line, "index "), strings.HasPrefix(line, "similarity index"),
		strings.HasPrefix(line, "dissimilarity index"), strings.HasPrefix(line, "old mode"),
		strings.HasPrefix(line, "new mode"), strings.HasPrefix(line, `\`), strings.TrimSpace(line) == "":
	default:
		if p.cur != nil && p.cur.hunks > 0 {
			p.warn("unexpected line after hunk in %s", p.cur.displayName())
		}
	}
}

func (p *parser) start() {
	p.cur = &fileState{entry: FileEntry{Status: StatusModified}}
	p.files = append(p.files, p.cur)
}

func (p *parser) finish(f *fileState) (FileEntry, bool) {
	e := f.entry
	oldName, newName := f.oldName, f.newName
	switch {
	case oldName == devNull && newName != devNull:
		e.Status = StatusAdded
	case newName == devNull && oldName != devNull:
		e.Status = StatusDeleted
	}
	switch e.Status {
	case StatusDeleted:
		e.Path = oldName
	case StatusRenamed:
		e.Path, e.OldPath = newName, oldName
	default:
		e.Path = newName
		if e.Path == "" || e.Path == devNull {
			e.Path = oldName
		}
	}
	if e.Path == "" || e.Path == devNull {
		p.warnings = append(p.warnings, "dropped a diff section with no file name")
		return FileEntry{}, false
	}
	if f.binary {
		p.warnings = append(p.warnings, fmt.Sprintf("%s: binary change, no line counts", e.Path))
	}
	e.HasPatch = f.hunks > 0 || (!f.binary && f.headers && e.Status != StatusModified)
	return e, true
}

func (f *fileState) displayName() string {
	if f.newName != "" && f.newName != devNull {
		return f.newName
	}
	if f.oldName != "" {
		return f.oldName
	}
	return "<unknown>"
}

func count(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// HeaderName strips the leading path component and any trailing timestamp
// from a ---/+++ line, the way `git apply` does with its default -p1.
func HeaderName(s string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	s = unquote(strings.TrimSpace(s))
	if s == devNull {
		return s
	}
	return stripComponent(s)
}

// stripComponent drops everything up to and including the first slash run.
// A name with no slash is returned unchanged; git rejects such a patch, and
// keeping the name lets the scope check reject it too.
func stripComponent(s string) string {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return s
	}
	return strings.TrimLeft(s[i+1:], "/")
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}

// splitGitHeader splits the two names of a "diff --git" line. Quoted names
// are handled. For unquoted names the split that makes both sides equal
// after stripping one component wins, which covers headers with and without
// a/ b/ prefixes; otherwise the last " b/" separator is used.
func splitGitHeader(s string) (string, string, bool) {
	if strings.HasPrefix(s, `"`) {
		end := strings.Index(s[1:], `" `)
		if end < 0 {
			return "", "", false
		}
		a := unquote(s[:end+2])
		return stripComponent(a), stripComponent(unquote(s[end+3:])), true
	}
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			continue
		}
		a, b := stripComponent(s[:i]), stripComponent(unquote(s[i+1:]))
		if a != "" && a == b {
			return a, b, true
		}
	}
	i := strings.LastIndex(s, " b/")
	if i < 0 {
		return "", "", false
	}
	return stripComponent(s[:i]), stripComponent(unquote(s[i+1:])), true
}
