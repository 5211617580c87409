package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/persistence"
)

type auditRow struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Operation string    `json:"operation"`
	Decision  string    `json:"decision"`
	Domain    string    `json:"domain"`
	Paths     []string  `json:"paths"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

func runAuditCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	decision := fs.String("decision", "", "filter by decision (allow, deny, fatal)")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: turngate audit [-decision d] [-limit n]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	q := url.Values{}
	if *decision != "" {
		q.Set("decision", *decision)
	}
	q.Set("limit", strconv.Itoa(*limit))

	var body struct {
		Entries []auditRow `json:"entries"`
	}
	if err := newAPIClient(cfg).do(ctx, "GET", "/api/audit?"+q.Encode(), nil, &body); err != nil {
		fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	if len(body.Entries) == 0 {
		fmt.Fprintln(stdout, "no audit entries")
		return 0
	}
	cells := make([][]string, 0, len(body.Entries))
	for _, e := range body.Entries {
		cells = append(cells, []string{
			e.CreatedAt.Local().Format(time.DateTime), e.Decision, e.Operation, e.Domain, e.Actor, summarizeFiles(e.Paths),
		})
	}
	renderTable(stdout, []string{"TIME", "DECISION", "OPERATION", "DOMAIN", "ACTOR", "PATHS"}, cells, isTerminal(stdout),
		func(c []string) bool { return c[1] != audit.DecisionAllow })
	return 0
}

// runBackupCommand copies the database with VACUUM INTO. It opens the file
// directly, so it works whether or not the gateway is running.
func runBackupCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "destination file (default <home>/backups/turngate-<time>.db)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: turngate backup [-out path]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	dest := strings.TrimSpace(*out)
	if dest == "" {
		dest = filepath.Join(cfg.HomeDir, "backups", "turngate-"+time.Now().UTC().Format("20060102T150405Z")+".db")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "backup: open database: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "database copied to %s\n", dest)
	return 0
}
