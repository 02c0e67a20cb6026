package db

import (
	"context"
	"time"

	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
)

// RecordStore persists outreach records. Writes are conditional on the
// record version so concurrent writers never silently overwrite each other.
type RecordStore interface {
	// GetRecord returns types.ErrNotFound when the record does not exist.
	GetRecord(ctx context.Context, userID, id string) (*types.OutreachRecord, error)

	InsertRecord(ctx context.Context, rec *types.OutreachRecord) error

	// UpdateRecord writes rec if its Version still matches the stored
	// one and increments rec.Version. It returns types.ErrConflict when
	// another writer got there first.
	UpdateRecord(ctx context.Context, rec *types.OutreachRecord) error

	ListRecords(ctx context.Context, userID string) ([]*types.OutreachRecord, error)

	// ListStale returns records in one of stages that have a thread,
	// least recently synced first.
	ListStale(ctx context.Context, userID string, stages []stage.Stage,
		limit int) ([]*types.OutreachRecord, error)

	RecordByThread(ctx context.Context, userID, threadID string) (*types.OutreachRecord, error)

	// UnsentByRecipient finds the newest record still waiting on its
	// first send whose contact is one of emails.
	UnsentByRecipient(ctx context.Context, userID string,
		emails []string) (*types.OutreachRecord, error)
}

// UserStore persists mailbox owners and their push pointers.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
	UserByEmail(ctx context.Context, email string) (*types.User, error)
	UpsertUser(ctx context.Context, u *types.User) error
	ListUsers(ctx context.Context) ([]*types.User, error)

	// AdvanceHistoryID moves the push pointer forward. It reports false
	// when the stored pointer was already at or past historyID.
	AdvanceHistoryID(ctx context.Context, userID string, historyID uint64) (bool, error)

	SetWatch(ctx context.Context, userID string, historyID uint64, expiration time.Time) error
}

// CreditLedger holds user credit balances.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int64, error)

	// Debit returns types.ErrInsufficientCredits without side effects when
	// the balance is below amount.
	Debit(ctx context.Context, userID string, amount int64, reason string) error

	Refund(ctx context.Context, userID string, amount int64, reason string) error
}
