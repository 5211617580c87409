package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScopeOverride is a time-boxed widening of one domain's roots.
type ScopeOverride struct {
	Token     string    `json:"token"`
	Domain    string    `json:"domain"`
	Roots     []string  `json:"roots"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the override has lapsed at now.
func (o ScopeOverride) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// PutOverride stores o as the domain's only override, replacing any earlier one.
func (s *Store) PutOverride(ctx context.Context, o ScopeOverride) error {
	roots, err := json.Marshal(o.Roots)
	if err != nil {
		return fmt.Errorf("marshal override roots: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM scope_overrides WHERE domain = ?;`, o.Domain); err != nil {
			return fmt.Errorf("replace override: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scope_overrides (token, domain, roots, reason, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, o.Token, o.Domain, string(roots), o.Reason, o.CreatedAt.UTC(), o.ExpiresAt.UTC()); err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		return tx.Commit()
	})
}

// GetOverride returns the override matching token, or the one for domain when
// token is empty. It returns sql.ErrNoRows when none exists.
func (s *Store) GetOverride(ctx context.Context, token, domain string) (*ScopeOverride, error) {
	var row *sql.Row
	switch {
	case token != "":
		row = s.db.QueryRowContext(ctx, `
			SELECT token, domain, roots, reason, created_at, expires_at
			FROM scope_overrides WHERE token = ?;`, token)
	case domain != "":
		row = s.db.QueryRowContext(ctx, `
			SELECT token, domain, roots, reason, created_at, expires_at
			FROM scope_overrides WHERE domain = ?;`, domain)
	default:
		return nil, sql.ErrNoRows
	}
	var o ScopeOverride
	var roots string
	if err := row.Scan(&o.Token, &o.Domain, &roots, &o.Reason, &o.CreatedAt, &o.ExpiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roots), &o.Roots); err != nil {
		return nil, fmt.Errorf("decode override roots: %w", err)
	}
	return &o, nil
}

// DeleteOverride removes the override identified by token or, failing that,
// by domain, and returns the removed row. It returns nil when nothing matched.
func (s *Store) DeleteOverride(ctx context.Context, tokenOrDomain string) (*ScopeOverride, error) {
	var removed *ScopeOverride
	err := retryOnBusy(ctx, 5, func() error {
		removed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var o ScopeOverride
		var roots string
		err = tx.QueryRowContext(ctx, `
			SELECT token, domain, roots, reason, created_at, expires_at
			FROM scope_overrides WHERE token = ? OR domain = ?
			ORDER BY token = ? DESC LIMIT 1;`, tokenOrDomain, tokenOrDomain, tokenOrDomain,
		).Scan(&o.Token, &o.Domain, &roots, &o.Reason, &o.CreatedAt, &o.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(roots), &o.Roots); err != nil {
			return fmt.Errorf("decode override roots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scope_overrides WHERE token = ?;`, o.Token); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		removed = &o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete override: %w", err)
	}
	return removed, nil
}

// DeleteExpiredOverrides removes overrides that expired before cutoff.
func (s *Store) DeleteExpiredOverrides(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scope_overrides WHERE expires_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge overrides: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
