package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrQuotaExceeded = errors.New("daily token limit reached")
)

// Ledger tracks per-user token usage against a daily cap.
type Ledger struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// NewLedger builds a ledger whose reset windows are calendar days in loc.
func NewLedger(db *sql.DB, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{db: db, loc: loc, now: time.Now}
}

// Remaining returns cap minus usage. It goes negative after an overshoot.
func (l *Ledger) Remaining(ctx context.Context, userID int64) (int64, error) {
	var limit, used int64
	err := l.db.QueryRowContext(ctx,
		`SELECT token_cap, tokens_used_today FROM users WHERE id = ?`, userID,
	).Scan(&limit, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("query quota: %w", err)
	}
	return limit - used, nil
}

// Check rejects a request before any model call once the cap is reached.
func (l *Ledger) Check(ctx context.Context, userID int64) (int64, error) {
	remaining, err := l.Remaining(ctx, userID)
	if err != nil {
		return 0, err
	}
	if remaining <= 0 {
		return remaining, ErrQuotaExceeded
	}
	return remaining, nil
}

// Charge adds amount to today's usage and persists it immediately.
func (l *Ledger) Charge(ctx context.Context, userID int64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("charge: negative amount %d", amount)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE users SET tokens_used_today = tokens_used_today + ? WHERE id = ?`, amount, userID,
	)
	if err != nil {
		return fmt.Errorf("charge quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	// mysql reports 0 changed rows for a +0 update
	if affected == 0 && amount > 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetCap changes a user's daily cap.
func (l *Ledger) SetCap(ctx context.Context, userID int64, limit int64) error {
	res, err := l.db.ExecContext(ctx, `UPDATE users SET token_cap = ? WHERE id = ?`, limit, userID)
	if err != nil {
		return fmt.Errorf("set cap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// WindowKey names the reset window containing t.
func (l *Ledger) WindowKey(t time.Time) string {
	return t.In(l.loc).Format("2006-01-02")
}

// ResetAll zeroes usage for every user once per window. A second call in the
// same window is a no-op and reports false.
func (l *Ledger) ResetAll(ctx context.Context) (bool, error) {
	return l.resetWindow(ctx, l.WindowKey(l.now()), false)
}

// ForceReset zeroes usage regardless of the window guard.
func (l *Ledger) ForceReset(ctx context.Context) error {
	_, err := l.resetWindow(ctx, l.WindowKey(l.now()), true)
	return err
}

func (l *Ledger) resetWindow(ctx context.Context, window string, force bool) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	var done bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM quota_resets WHERE window_key = ?)`, window,
	).Scan(&done); err != nil {
		return false, fmt.Errorf("check reset window: %w", err)
	}
	if done && !force {
		return false, nil
	}
	if !done {
		// the primary key aborts a concurrent reset of the same window
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quota_resets (window_key, reset_at) VALUES (?, ?)`, window, l.now().UTC(),
		); err != nil {
			return false, fmt.Errorf("record reset window: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET tokens_used_today = 0`); err != nil {
		return false, fmt.Errorf("reset usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reset: %w", err)
	}
	return true, nil
}
