package db

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/outreach/internal/types"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Balance returns the user's current credits.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var credits int64
	err := s.db.GetContext(ctx, &credits, s.db.Rebind(
		`SELECT credits FROM users WHERE id = ?`), userID)
	if err != nil {
		return 0, notFound(err, "balance for "+userID)
	}
	return credits, nil
}

// Debit removes amount credits if the balance covers it.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, reason string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE users SET credits = credits - ?
			WHERE id = ? AND credits >= ?`), amount, userID, amount)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Inside the transaction: SQLite runs on a single connection.
			var credits int64
			err := tx.GetContext(ctx, &credits, tx.Rebind(
				`SELECT credits FROM users WHERE id = ?`), userID)
			if err != nil {
				return notFound(err, "debit "+userID)
			}
			return fmt.Errorf("balance %d below %d: %w", credits,
				amount, types.ErrInsufficientCredits)
		}
		return s.appendLedger(ctx, tx, userID, -amount, reason)
	})
}

// Refund returns amount credits to the user.
func (s *Store) Refund(ctx context.Context, userID string, amount int64, reason string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE users SET credits = credits + ? WHERE id = ?`), amount, userID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("refund %s: %w", userID, types.ErrNotFound)
		}
		return s.appendLedger(ctx, tx, userID, amount, reason)
	})
}

func (s *Store) appendLedger(ctx context.Context, tx *sqlx.Tx, userID string,
	delta int64, reason string) error {

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO credit_ledger (id, user_id, delta, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		uuid.NewString(), userID, delta, reason, formatTime(time.Now()))
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LedgerEntries returns the number of ledger rows for a user. Used by the
// CLI and tests to audit credit movement.
func (s *Store) LedgerEntries(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM credit_ledger WHERE user_id = ?`), userID)
	return n, err
}
