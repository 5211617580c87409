// Package safety flags secrets that a proposed diff would write into the
// working tree. Findings are advisory; they surface as proposal warnings
// and never block creation.
package safety

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/turngate/internal/diff"
)

// Finding is one suspected secret on an added line.
type Finding struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Pattern string `json:"pattern"`
	Sample  string `json:"sample"`
}

func (f Finding) String() string {
	return fmt.Sprintf("possible %s added at %s:%d", f.Pattern, f.Path, f.Line)
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "OpenAI API key"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), "GitHub token"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// maxFindings caps the report for very large diffs.
const maxFindings = 20

var hunkStart = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,\d+)? @@`)

// ScanDiff inspects the added lines of a unified diff. Line numbers refer
// to the new file.
func ScanDiff(patch string) []Finding {
	if patch == "" {
		return nil
	}
	var (
		out  []Finding
		path string
		line int
	)
	sc := bufio.NewScanner(strings.NewReader(patch))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		text := sc.Text()
		switch {
		case strings.HasPrefix(text, "+++ "):
			path = diff.HeaderName(strings.TrimPrefix(text, "+++ "))
			continue
		case strings.HasPrefix(text, "@@"):
			if m := hunkStart.FindStringSubmatch(text); m != nil {
				fmt.Sscanf(m[1], "%d", &line)
			}
			continue
		case strings.HasPrefix(text, "+"):
			if f, ok := scanLine(text[1:]); ok && len(out) < maxFindings {
				f.Path, f.Line = path, line
				out = append(out, f)
			}
			line++
		case strings.HasPrefix(text, " "):
			line++
		}
	}
	return out
}

func scanLine(s string) (Finding, bool) {
	for _, pat := range leakPatterns {
		if m := pat.re.FindString(s); m != "" {
			sample := m
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			return Finding{Pattern: pat.desc, Sample: sample}, true
		}
	}
	return Finding{}, false
}
