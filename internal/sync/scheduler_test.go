package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/daviddao/outreach/internal/outreachtest"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
	"github.com/stretchr/testify/require"
)

func newScheduler(h *harness, cfg Config) *Scheduler {
	return NewScheduler(h.sync, h.store, h.store, cfg, outreachtest.Logger())
}

func TestRefreshStaleRespectsCap(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RateLimit = 0 })

	// 50 eligible records; record i was last synced i minutes after the
	// first, so c00..c09 are the stalest.
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("c%02d", i)
		thread := "t" + id
		outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
			ID: id, UserID: "u1", ContactEmail: id + "@x.com",
			ThreadID: thread, Stage: stage.WaitingOnReply,
			LastSyncAt: epoch.Add(-time.Hour + time.Duration(i)*time.Minute),
		})
		h.mb.AddMessage(contactMessage("m"+id, thread, epoch.Add(-2*time.Hour)), "")
	}
	// Not eligible: no thread, or not an active stage.
	outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
		ID: "a-nothread", UserID: "u1", ContactEmail: "n@x.com",
		Stage: stage.WaitingOnReply,
	})
	outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
		ID: "a-closed", UserID: "u1", ContactEmail: "z@x.com",
		ThreadID: "tz", Stage: stage.Closed,
	})

	cfg := DefaultConfig()
	cfg.BatchPause = 0
	results, err := newScheduler(h, cfg).RefreshStale(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, results, 10)
	require.Equal(t, 10, h.mb.Calls(outreachtest.OpLatestThreadMessage))

	for i, r := range results {
		require.Equal(t, fmt.Sprintf("c%02d", i), r.ContactID)
		require.True(t, r.Synced)
		require.Equal(t, stage.Replied, *r.Stage)
	}
}

func seedStale(t *testing.T, h *harness, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%02d", i)
		thread := "t" + id
		outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
			ID: id, UserID: "u1", ContactEmail: id + "@x.com",
			ThreadID: thread, Stage: stage.WaitingOnReply,
			LastSyncAt: epoch.Add(-time.Hour + time.Duration(i)*time.Second),
		})
		h.mb.AddMessage(contactMessage("m"+id, thread, epoch.Add(-2*time.Hour)), "")
	}
}

func TestRefreshStaleClampsToBatchMax(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RateLimit = 0 })
	seedStale(t, h, 8)

	cfg := DefaultConfig()
	cfg.BatchPause = 0
	cfg.BatchMax = 5
	results, err := newScheduler(h, cfg).RefreshStale(context.Background(), "u1", 100)
	require.NoError(t, err)
	require.Len(t, results, 5)
	require.Equal(t, 5, h.mb.Calls(outreachtest.OpLatestThreadMessage))
}

func TestRefreshStopsWhenBudgetRunsOut(t *testing.T) {
	h := newHarness(t)
	seedStale(t, h, 40)

	cfg := DefaultConfig()
	cfg.BatchPause = 0
	cfg.BatchMax = 40
	results, err := newScheduler(h, cfg).RefreshStale(context.Background(), "u1", 40)
	require.NoError(t, err)
	require.Len(t, results, 40)

	// The default budget allows 30 calls a minute, one per record here.
	require.Equal(t, 30, h.mb.Calls(outreachtest.OpLatestThreadMessage))
	for i, r := range results[:30] {
		require.True(t, r.Synced, "record %d", i)
	}

	require.Equal(t, types.CodeRateLimited, results[30].ErrorCode)
	require.NotNil(t, results[30].Stage)
	for _, r := range results[31:] {
		require.False(t, r.Synced)
		require.Equal(t, types.CodeRateLimited, r.ErrorCode)
		require.Nil(t, r.Stage)
	}

	// Skipped records are left untouched.
	rec, err := h.store.GetRecord(context.Background(), "u1", "c39")
	require.NoError(t, err)
	require.Nil(t, rec.LastSyncError)
	require.True(t, rec.LastSyncAt.Equal(epoch.Add(-time.Hour+39*time.Second)))
}

func TestRefreshIDsCap(t *testing.T) {
	h := newHarness(t)

	ids := make([]string, MaxExplicitIDs+1)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}
	_, err := newScheduler(h, DefaultConfig()).RefreshIDs(context.Background(), "u1", ids)
	require.ErrorIs(t, err, ErrTooManyIDs)
	require.Zero(t, h.conn.Calls())
}

func TestRefreshReportsPerRecordErrors(t *testing.T) {
	h := newHarness(t)
	outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
		ID: "ok", UserID: "u1", ContactEmail: "a@x.com",
		ThreadID: "t1", Stage: stage.WaitingOnReply,
	})
	outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
		ID: "broken", UserID: "u1", ContactEmail: "b@x.com",
		ThreadID: "t-missing", Stage: stage.WaitingOnReply,
	})
	h.mb.AddMessage(contactMessage("m1", "t1", epoch), "")

	cfg := DefaultConfig()
	cfg.BatchPause = 0
	results, err := newScheduler(h, cfg).RefreshIDs(context.Background(), "u1",
		[]string{"broken", "gone", "ok"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.False(t, results[0].Synced)
	require.Equal(t, types.CodeNotFound, results[0].ErrorCode)
	require.Equal(t, stage.WaitingOnReply, *results[0].Stage)

	require.Equal(t, "gone", results[1].ContactID)
	require.Equal(t, types.CodeNotFound, results[1].ErrorCode)
	require.Nil(t, results[1].Stage)

	require.True(t, results[2].Synced)
	require.Empty(t, results[2].Error)
	require.Equal(t, stage.Replied, *results[2].Stage)
}

func TestRefreshPauseHonorsCancel(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b"} {
		outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
			ID: id, UserID: "u1", ContactEmail: id + "@x.com",
			ThreadID: "t" + id, Stage: stage.WaitingOnReply,
		})
		h.mb.AddMessage(contactMessage("m"+id, "t"+id, epoch), "")
	}

	cfg := DefaultConfig()
	cfg.BatchPause = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := newScheduler(h, cfg).RefreshIDs(ctx, "u1", []string{"a", "b"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, results, 1)
}

func TestRunDisabled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, newScheduler(h, DefaultConfig()).Run(context.Background()))
}

func TestRunRefreshesPeriodically(t *testing.T) {
	h := newHarness(t)
	outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "a@x.com",
		ThreadID: "t1", Stage: stage.WaitingOnReply,
	})
	h.mb.AddMessage(contactMessage("m1", "t1", epoch), "")

	cfg := DefaultConfig()
	cfg.BatchPause = 0
	cfg.RefreshInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newScheduler(h, cfg).Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := h.store.GetRecord(context.Background(), "u1", "c1")
		return err == nil && rec.Stage == stage.Replied
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
