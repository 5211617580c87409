package proposal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Applier writes an approved diff to the working tree.
type Applier interface {
	Apply(ctx context.Context, diff string) error
}

// PathReporter is implemented by appliers that can say which files a diff
// would write before writing anything. Approval re-checks scope against
// these paths so the checked set and the written set are the same.
type PathReporter interface {
	Paths(ctx context.Context, diff string) ([]string, error)
}

// ErrAlreadyApplied means the working tree already holds the diff's result.
var ErrAlreadyApplied = errors.New("diff is already applied")

// GitApplier runs `git apply` in RepoRoot. The diff is checked first so a
// rejected patch leaves the tree untouched.
type GitApplier struct {
	RepoRoot string
	// Git is the git binary; empty means "git" on PATH.
	Git    string
	Logger *slog.Logger
}

func (a GitApplier) Apply(ctx context.Context, diff string) error {
	diff, err := normalizePatch(diff)
	if err != nil {
		return err
	}
	if out, err := a.run(ctx, diff, "apply", "--check", "--whitespace=nowarn", "-"); err != nil {
		if _, rerr := a.run(ctx, diff, "apply", "--check", "--reverse", "--whitespace=nowarn", "-"); rerr == nil {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("git apply --check: %w: %s", err, out)
	}
	if out, err := a.run(ctx, diff, "apply", "--whitespace=nowarn", "-"); err != nil {
		return fmt.Errorf("git apply: %w: %s", err, out)
	}
	if a.Logger != nil {
		a.Logger.Info("diff applied", "repo_root", a.RepoRoot, "bytes", len(diff))
	}
	return nil
}

// Paths asks git which files the diff touches, using the same path
// stripping the real apply will use. Renames report both names.
func (a GitApplier) Paths(ctx context.Context, diff string) ([]string, error) {
	diff, err := normalizePatch(diff)
	if err != nil {
		return nil, err
	}
	out, err := a.output(ctx, diff, "apply", "--numstat", "-z", "--whitespace=nowarn", "-")
	if err != nil {
		return nil, fmt.Errorf("git apply --numstat: %w: %s", err, strings.TrimSpace(out))
	}
	return parseNumstat(out), nil
}

// parseNumstat reads `--numstat -z` records: "added\tdeleted\tpath\0", or
// "added\tdeleted\t\0old\0new\0" for a rename.
func parseNumstat(out string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		rec := fields[i]
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		if parts[2] != "" {
			add(parts[2])
			continue
		}
		if i+2 < len(fields) {
			add(fields[i+1])
			add(fields[i+2])
			i += 2
		}
	}
	return paths
}

func normalizePatch(diff string) (string, error) {
	if strings.TrimSpace(diff) == "" {
		return "", fmt.Errorf("empty diff")
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	return diff, nil
}

func (a GitApplier) run(ctx context.Context, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	err := a.exec(ctx, stdin, &out, &out, args...)
	return strings.TrimSpace(out.String()), err
}

// output keeps stdout untrimmed for NUL-separated formats.
func (a GitApplier) output(ctx context.Context, stdin string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	if err := a.exec(ctx, stdin, &stdout, &stderr, args...); err != nil {
		return stderr.String(), err
	}
	return stdout.String(), nil
}

func (a GitApplier) exec(ctx context.Context, stdin string, stdout, stderr *bytes.Buffer, args ...string) error {
	bin := a.Git
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = a.RepoRoot
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
