package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/basket/turngate/internal/config"
)

type proposalRow struct {
	ID        string   `json:"id"`
	Status    string   `json:"status"`
	Files     []string `json:"files"`
	Domain    string   `json:"domain"`
	LoopID    string   `json:"loopId"`
	CreatedAt string   `json:"createdAt"`
}

type resolveResult struct {
	OK              bool     `json:"ok"`
	ProposalID      string   `json:"proposalId"`
	Status          string   `json:"status"`
	OutOfScope      []string `json:"outOfScope"`
	Message         string   `json:"message"`
	AlreadyResolved bool     `json:"alreadyResolved"`
}

func runProposalsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("proposals", flag.ContinueOnError)
	fs.SetOutput(stderr)
	status := fs.String("status", "pending", "filter by status (pending, approved, rejected, or empty for all)")
	loop := fs.String("loop", "", "filter by loop id")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: turngate proposals [-status s] [-loop id] [-limit n]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *loop != "" {
		q.Set("loopId", *loop)
	}
	q.Set("limit", strconv.Itoa(*limit))

	var body struct {
		Proposals []proposalRow `json:"proposals"`
	}
	if err := newAPIClient(cfg).do(ctx, "GET", "/api/proposals?"+q.Encode(), nil, &body); err != nil {
		fmt.Fprintf(stderr, "proposals: %v\n", err)
		return 1
	}
	if len(body.Proposals) == 0 {
		fmt.Fprintln(stdout, "no proposals")
		return 0
	}
	renderProposals(stdout, body.Proposals, isTerminal(stdout))
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// renderProposals draws a bordered table on terminals and tab-separated
// columns otherwise so the output stays scriptable.
func renderProposals(w io.Writer, rows []proposalRow, styled bool) {
	cells := make([][]string, 0, len(rows))
	for _, p := range rows {
		cells = append(cells, []string{p.ID, p.Status, p.Domain, p.LoopID, summarizeFiles(p.Files), p.CreatedAt})
	}
	renderTable(w, []string{"ID", "STATUS", "DOMAIN", "LOOP", "FILES", "CREATED"}, cells, styled,
		func(c []string) bool { return c[1] == "pending" })
}

// renderTable highlights column 1 of rows for which accent reports true.
func renderTable(w io.Writer, headers []string, cells [][]string, styled bool, accent func([]string) bool) {
	if !styled {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for _, c := range cells {
			fmt.Fprintln(tw, strings.Join(c, "\t"))
		}
		_ = tw.Flush()
		return
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	highlight := cell.Foreground(lipgloss.Color("214"))
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case col == 1 && row >= 0 && row < len(cells) && accent != nil && accent(cells[row]):
				return highlight
			default:
				return cell
			}
		})
	fmt.Fprintln(w, t.Render())
}

func summarizeFiles(files []string) string {
	switch len(files) {
	case 0:
		return "-"
	case 1:
		return files[0]
	default:
		return fmt.Sprintf("%s (+%d)", files[0], len(files)-1)
	}
}

func runResolveCommand(ctx context.Context, decision string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintf(stderr, "usage: turngate %s <proposal-id>\n", decision)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}

	var res resolveResult
	id := strings.TrimSpace(args[0])
	err = newAPIClient(cfg).do(ctx, "POST", "/api/proposals/"+url.PathEscape(id)+"/resolve", map[string]string{"decision": decision}, &res)
	var apiErr *apiError
	if err != nil && !errors.As(err, &apiErr) {
		fmt.Fprintf(stderr, "%s: %v\n", decision, err)
		return 1
	}
	if err != nil && res.ProposalID == "" {
		fmt.Fprintf(stderr, "%s: %s\n", decision, apiErr.Message)
		for _, p := range apiErr.OutOfScope {
			fmt.Fprintf(stderr, "  out of scope: %s\n", p)
		}
		return 1
	}

	switch {
	case res.AlreadyResolved:
		fmt.Fprintf(stdout, "proposal %s was already %s\n", res.ProposalID, res.Status)
	case res.OK:
		fmt.Fprintf(stdout, "proposal %s %s\n", res.ProposalID, res.Status)
	default:
		fmt.Fprintf(stderr, "proposal %s not %sd: %s\n", res.ProposalID, decision, res.Message)
		for _, p := range res.OutOfScope {
			fmt.Fprintf(stderr, "  out of scope: %s\n", p)
		}
		return 1
	}
	return 0
}
