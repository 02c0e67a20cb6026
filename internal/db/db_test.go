package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func seedUser(t *testing.T, s *Store, id string, credits int64) *types.User {
	t.Helper()

	u := &types.User{ID: id, Email: id + "@example.com", Credits: credits}
	require.NoError(t, s.UpsertUser(context.Background(), u))
	return u
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sent := time.Date(2026, 2, 1, 9, 30, 0, 123, time.UTC)
	rec := &types.OutreachRecord{
		ID:               "c1",
		UserID:           "u1",
		ContactEmail:     "Ada@Example.com",
		ContactName:      "Ada",
		Subject:          "Coffee?",
		ThreadID:         "t1",
		DraftID:          "d1",
		DraftStillExists: true,
		Stage:            stage.WaitingOnReply,
		EmailSentAt:      sent,
		LastSyncError: &types.SyncError{
			Code: types.CodeRateLimited, Message: "slow down", At: sent,
		},
	}
	require.NoError(t, s.InsertRecord(ctx, rec))
	require.EqualValues(t, 1, rec.Version)

	got, err := s.GetRecord(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada@Example.com", got.ContactEmail)
	require.Equal(t, stage.WaitingOnReply, got.Stage)
	require.True(t, got.DraftStillExists)
	require.Equal(t, sent, got.EmailSentAt)
	require.Equal(t, types.CodeRateLimited, got.LastSyncError.Code)
	require.True(t, got.LastActivityAt.IsZero())

	_, err = s.GetRecord(ctx, "u1", "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateRecordConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertRecord(ctx, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "a@x.com",
	}))

	a, err := s.GetRecord(ctx, "u1", "c1")
	require.NoError(t, err)
	b, err := s.GetRecord(ctx, "u1", "c1")
	require.NoError(t, err)

	a.Stage = stage.Replied
	require.NoError(t, s.UpdateRecord(ctx, a))
	require.EqualValues(t, 2, a.Version)

	b.Stage = stage.WaitingOnReply
	require.ErrorIs(t, s.UpdateRecord(ctx, b), types.ErrConflict)

	got, err := s.GetRecord(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, stage.Replied, got.Stage)

	ghost := &types.OutreachRecord{ID: "nope", UserID: "u1", Version: 1}
	require.ErrorIs(t, s.UpdateRecord(ctx, ghost), types.ErrNotFound)
}

func TestMutateRetriesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertRecord(ctx, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "a@x.com",
	}))

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := Mutate(ctx, s, "u1", "c1", func(r *types.OutreachRecord) error {
				r.LastMessageSnippet += fmt.Sprint(i)
				return nil
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetRecord(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, got.LastMessageSnippet, writers)
	require.EqualValues(t, writers+1, got.Version)
}

func TestListStaleOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	insert := func(id string, st stage.Stage, thread string, synced time.Time) {
		require.NoError(t, s.InsertRecord(ctx, &types.OutreachRecord{
			ID: id, UserID: "u1", ContactEmail: id + "@x.com",
			Stage: st, ThreadID: thread, LastSyncAt: synced,
		}))
	}
	insert("recent", stage.WaitingOnReply, "t1", base.Add(time.Hour))
	insert("old", stage.Replied, "t2", base)
	insert("never", stage.EmailSent, "t3", time.Time{})
	insert("nothread", stage.WaitingOnReply, "", time.Time{})
	insert("draft", stage.DraftCreated, "t4", time.Time{})
	insert("closed", stage.Closed, "t5", time.Time{})

	got, err := s.ListStale(ctx, "u1", stage.Active, 10)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	require.Equal(t, []string{"never", "old", "recent"}, ids)

	got, err = s.ListStale(ctx, "u1", stage.Active, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRecordLookups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertRecord(ctx, &types.OutreachRecord{
		ID: "threaded", UserID: "u1", ContactEmail: "a@x.com",
		ThreadID: "t1", Stage: stage.WaitingOnReply,
	}))
	require.NoError(t, s.InsertRecord(ctx, &types.OutreachRecord{
		ID: "pending", UserID: "u1", ContactEmail: "B@X.com",
		DraftID: "d1", DraftStillExists: true,
	}))

	r, err := s.RecordByThread(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Equal(t, "threaded", r.ID)

	_, err = s.RecordByThread(ctx, "u2", "t1")
	require.ErrorIs(t, err, types.ErrNotFound)

	r, err = s.UnsentByRecipient(ctx, "u1", []string{"carol@x.com", "b@x.com"})
	require.NoError(t, err)
	require.Equal(t, "pending", r.ID)

	_, err = s.UnsentByRecipient(ctx, "u1", []string{"a@x.com"})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestHistoryPointerOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUser(t, s, "u1", 0)

	moved, err := s.AdvanceHistoryID(ctx, "u1", 100)
	require.NoError(t, err)
	require.True(t, moved)

	moved, err = s.AdvanceHistoryID(ctx, "u1", 90)
	require.NoError(t, err)
	require.False(t, moved)

	require.NoError(t, s.SetWatch(ctx, "u1", 50, time.Now().Add(time.Hour)))

	u, err := s.UserByEmail(ctx, "U1@Example.com")
	require.NoError(t, err)
	require.EqualValues(t, 100, u.HistoryID)
	require.False(t, u.WatchExpiration.IsZero())
}

func TestDebitRefund(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUser(t, s, "u1", 15)

	require.NoError(t, s.Debit(ctx, "u1", 10, "reply"))
	bal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 5, bal)

	require.ErrorIs(t, s.Debit(ctx, "u1", 10, "reply"), types.ErrInsufficientCredits)
	bal, err = s.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 5, bal)

	require.NoError(t, s.Refund(ctx, "u1", 10, "refund"))
	bal, err = s.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 15, bal)

	n, err := s.LedgerEntries(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.ErrorIs(t, s.Debit(ctx, "ghost", 1, "reply"), types.ErrNotFound)
}
