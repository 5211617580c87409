package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AuditRow is one row of the audit_log table.
type AuditRow struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"traceId"`
	Actor     string    `json:"actor"`
	Operation string    `json:"operation"`
	Decision  string    `json:"decision"`
	Domain    string    `json:"domain,omitempty"`
	LoopID    string    `json:"loopId,omitempty"`
	Paths     []string  `json:"paths,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListAudit returns the most recent audit rows, newest first. An empty
// decision returns every row.
func (s *Store) ListAudit(ctx context.Context, decision string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, trace_id, actor, operation, decision, domain, loop_id, paths, reason, created_at FROM audit_log`
	args := []any{}
	if decision != "" {
		q += ` WHERE decision = ?`
		args = append(args, decision)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id DESC LIMIT ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var paths string
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Actor, &r.Operation, &r.Decision, &r.Domain, &r.LoopID, &paths, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if paths != "" {
			r.Paths = strings.Split(paths, "\n")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
