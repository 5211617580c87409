package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	TrustModeReview  = "review"
	TrustModeTrusted = "trusted"
)

// LoopSettings controls whether a loop's proposals wait for a human.
type LoopSettings struct {
	LoopID           string    `json:"loopId"`
	TrustMode        string    `json:"trustMode"`
	AutoApplyEnabled bool      `json:"autoApplyEnabled"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// AutoApply reports whether new proposals for the loop resolve without review.
func (ls LoopSettings) AutoApply() bool {
	return ls.TrustMode == TrustModeTrusted && ls.AutoApplyEnabled
}

// GetLoopSettings returns the loop's settings, or review mode when none are stored.
func (s *Store) GetLoopSettings(ctx context.Context, loopID string) (LoopSettings, error) {
	ls := LoopSettings{LoopID: loopID, TrustMode: TrustModeReview}
	if loopID == "" {
		return ls, nil
	}
	var autoApply int
	err := s.db.QueryRowContext(ctx, `
		SELECT trust_mode, auto_apply_enabled, updated_at
		FROM loop_settings WHERE loop_id = ?;`, loopID).Scan(&ls.TrustMode, &autoApply, &ls.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ls, nil
	}
	if err != nil {
		return ls, fmt.Errorf("get loop settings: %w", err)
	}
	ls.AutoApplyEnabled = autoApply != 0
	return ls, nil
}

// PutLoopSettings upserts ls and returns the stored record.
func (s *Store) PutLoopSettings(ctx context.Context, ls LoopSettings) (LoopSettings, error) {
	if ls.LoopID == "" {
		return ls, fmt.Errorf("loop id is required")
	}
	if ls.TrustMode != TrustModeReview && ls.TrustMode != TrustModeTrusted {
		return ls, fmt.Errorf("unknown trust mode %q", ls.TrustMode)
	}
	ls.UpdatedAt = s.now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO loop_settings (loop_id, trust_mode, auto_apply_enabled, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(loop_id) DO UPDATE SET
				trust_mode = excluded.trust_mode,
				auto_apply_enabled = excluded.auto_apply_enabled,
				updated_at = excluded.updated_at;`,
			ls.LoopID, ls.TrustMode, boolToInt(ls.AutoApplyEnabled), ls.UpdatedAt)
		return err
	})
	if err != nil {
		return ls, fmt.Errorf("put loop settings: %w", err)
	}
	return ls, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
