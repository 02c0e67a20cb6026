package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/daviddao/outreach/internal/types"
)

type userRow struct {
	ID              string         `db:"id"`
	Email           string         `db:"email"`
	HistoryID       int64          `db:"history_id"`
	Credits         int64          `db:"credits"`
	WatchExpiration sql.NullString `db:"watch_expiration"`
	CreatedAt       sql.NullString `db:"created_at"`
}

func (row *userRow) toUser() *types.User {
	return &types.User{
		ID:              row.ID,
		Email:           row.Email,
		HistoryID:       uint64(row.HistoryID),
		Credits:         row.Credits,
		WatchExpiration: parseTime(row.WatchExpiration),
		CreatedAt:       parseTime(row.CreatedAt),
	}
}

const userColumns = `id, email, history_id, credits, watch_expiration, created_at`

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "get user "+id)
	}
	return row.toUser(), nil
}

// UserByEmail resolves a mailbox address to its owner.
func (s *Store) UserByEmail(ctx context.Context, email string) (*types.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+userColumns+` FROM users WHERE email = ?`), normalizeEmail(email))
	if err != nil {
		return nil, notFound(err, "user by email "+email)
	}
	return row.toUser(), nil
}

// UpsertUser creates a user or updates its address and credit balance. The
// push pointer is left alone on update.
func (s *Store) UpsertUser(ctx context.Context, u *types.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = normalizeEmail(u.Email)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, email, history_id, credits, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			credits = excluded.credits`),
		u.ID, u.Email, int64(u.HistoryID), u.Credits, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// ListUsers returns every user.
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+userColumns+` FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]*types.User, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toUser())
	}
	return out, nil
}

// AdvanceHistoryID moves the push pointer forward only.
func (s *Store) AdvanceHistoryID(ctx context.Context, userID string, historyID uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE users SET history_id = ?
		WHERE id = ? AND history_id < ?`),
		int64(historyID), userID, int64(historyID))
	if err != nil {
		return false, fmt.Errorf("advance history id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance history id: %w", err)
	}
	return n > 0, nil
}

// SetWatch records a new push subscription. The pointer still only moves
// forward.
func (s *Store) SetWatch(ctx context.Context, userID string, historyID uint64,
	expiration time.Time) error {

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE users SET
			watch_expiration = ?,
			history_id = CASE WHEN history_id < ? THEN ? ELSE history_id END
		WHERE id = ?`),
		formatTime(expiration), int64(historyID), int64(historyID), userID)
	if err != nil {
		return fmt.Errorf("set watch: %w", err)
	}
	return nil
}
