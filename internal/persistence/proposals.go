package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

// Proposal is an immutable diff awaiting review. Only Status, ResolvedAt and
// ResolvedBy change, and only once.
type Proposal struct {
	ID                 string     `json:"id"`
	LoopID             string     `json:"loopId,omitempty"`
	Domain             string     `json:"domain,omitempty"`
	AssistantTarget    string     `json:"assistantTarget,omitempty"`
	Files              []string   `json:"files"`
	Diff               string     `json:"diff,omitempty"`
	DiffHash           string     `json:"diffHash"`
	ApprovalToken      string     `json:"approvalToken,omitempty"`
	ScopeOverrideToken string     `json:"scopeOverrideToken,omitempty"`
	TurnID             string     `json:"turnId,omitempty"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy         string     `json:"resolvedBy,omitempty"`
}

const proposalColumns = `id, loop_id, domain, assistant_target, files, diff_zstd, diff_hash,
	approval_token, scope_override_token, turn_id, status, created_at, resolved_at, resolved_by`

// InsertProposal stores p. Diff is compressed and its hash recorded when missing.
func (s *Store) InsertProposal(ctx context.Context, p *Proposal) error {
	if p.DiffHash == "" {
		p.DiffHash = HashDiff(p.Diff)
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	files, err := json.Marshal(p.Files)
	if err != nil {
		return fmt.Errorf("marshal proposal files: %w", err)
	}
	blob := compressText(p.Diff)
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proposals (`+proposalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '');`,
			p.ID, p.LoopID, p.Domain, p.AssistantTarget, string(files), blob, p.DiffHash,
			p.ApprovalToken, p.ScopeOverrideToken, p.TurnID, p.Status, p.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// GetProposal returns the proposal with id, or sql.ErrNoRows.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?;`, id).Scan)
}

// GetProposalByApprovalToken returns the proposal carrying token, or sql.ErrNoRows.
func (s *Store) GetProposalByApprovalToken(ctx context.Context, token string) (*Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE approval_token = ?;`, token).Scan)
}

// ListProposals returns proposals newest first, optionally filtered by loop and status.
func (s *Store) ListProposals(ctx context.Context, loopID, status string, limit int) ([]Proposal, error) {
	var where []string
	var args []any
	if loopID != "" {
		where = append(where, "loop_id = ?")
		args = append(args, loopID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	q := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ResolveProposal moves a pending proposal to status. It reports false when
// the proposal was no longer pending, leaving the stored record untouched.
func (s *Store) ResolveProposal(ctx context.Context, id, status, actor string) (bool, error) {
	if status != ProposalApproved && status != ProposalRejected {
		return false, fmt.Errorf("invalid resolution status %q", status)
	}
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE proposals SET status = ?, resolved_at = ?, resolved_by = ?
			WHERE id = ? AND status = 'pending';`,
			status, s.now().UTC(), actor, id)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resolve proposal: %w", err)
	}
	return n == 1, nil
}

// CountProposals returns how many proposals have the given status.
func (s *Store) CountProposals(ctx context.Context, status string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM proposals WHERE status = ?;`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count proposals: %w", err)
	}
	return n, nil
}

func scanProposal(scan func(dest ...any) error) (*Proposal, error) {
	var p Proposal
	var files string
	var blob []byte
	var resolvedAt sql.NullTime
	if err := scan(&p.ID, &p.LoopID, &p.Domain, &p.AssistantTarget, &files, &blob, &p.DiffHash,
		&p.ApprovalToken, &p.ScopeOverrideToken, &p.TurnID, &p.Status, &p.CreatedAt, &resolvedAt, &p.ResolvedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &p.Files); err != nil {
		return nil, fmt.Errorf("decode proposal files: %w", err)
	}
	diff, err := decompressText(blob)
	if err != nil {
		return nil, err
	}
	p.Diff = diff
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return &p, nil
}
