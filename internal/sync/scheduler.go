package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
)

// MaxExplicitIDs caps the id-list mode of a batch refresh.
const MaxExplicitIDs = 10

// ErrTooManyIDs is returned when an explicit refresh names more than
// MaxExplicitIDs records.
var ErrTooManyIDs = fmt.Errorf("at most %d ids per refresh", MaxExplicitIDs)

// Scheduler runs paced batch refreshes over a Coordinator.
type Scheduler struct {
	sync    *Coordinator
	records db.RecordStore
	users   db.UserStore
	cfg     Config
	log     *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(c *Coordinator, records db.RecordStore, users db.UserStore,
	cfg Config, log *slog.Logger) *Scheduler {

	return &Scheduler{
		sync:    c,
		records: records,
		users:   users,
		cfg:     cfg,
		log:     log.With("component", "scheduler"),
	}
}

// RefreshStale reconciles up to maxCount of the user's active records that
// have a thread, least recently synced first. maxCount is capped at the
// configured batch size; a non-positive maxCount uses it as is.
func (s *Scheduler) RefreshStale(ctx context.Context, userID string,
	maxCount int) ([]types.RefreshResult, error) {

	if maxCount <= 0 || (s.cfg.BatchMax > 0 && maxCount > s.cfg.BatchMax) {
		maxCount = s.cfg.BatchMax
	}
	recs, err := s.records.ListStale(ctx, userID, stage.Active, maxCount)
	if err != nil {
		return nil, fmt.Errorf("select stale records: %w", err)
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return s.run(ctx, userID, ids)
}

// RefreshIDs reconciles the named records in order.
func (s *Scheduler) RefreshIDs(ctx context.Context, userID string,
	ids []string) ([]types.RefreshResult, error) {

	if len(ids) > MaxExplicitIDs {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyIDs, len(ids))
	}
	return s.run(ctx, userID, ids)
}

// run reconciles ids one at a time with a pause between calls. A failing
// record never aborts the batch; only cancellation does, and the results so
// far are returned with the context error. Once the provider budget is
// exhausted the remaining records are reported as rate limited without
// being touched.
func (s *Scheduler) run(ctx context.Context, userID string,
	ids []string) ([]types.RefreshResult, error) {

	results := make([]types.RefreshResult, 0, len(ids))
	var limited error
	for i, id := range ids {
		if limited != nil {
			results = append(results, types.RefreshResult{
				ContactID: id,
				Error:     limited.Error(),
				ErrorCode: types.CodeRateLimited,
			})
			continue
		}
		if i > 0 {
			if err := sleep(ctx, s.cfg.BatchPause); err != nil {
				return results, err
			}
		}

		rec, synced, err := s.sync.Reconcile(ctx, userID, id, TriggerRefresh)
		res := types.RefreshResult{ContactID: id, Synced: synced && err == nil}
		if rec != nil {
			st := rec.Stage
			res.Stage = &st
		}
		if err != nil {
			res.Error = err.Error()
			res.ErrorCode = errorCode(err)
		}
		results = append(results, res)

		if errors.Is(err, types.ErrRateLimited) {
			limited = err
			s.log.Info("provider budget exhausted, skipping rest of batch",
				"user", userID, "skipped", len(ids)-i-1)
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

func errorCode(err error) string {
	var se *types.SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return types.ClassifySyncError(err, time.Time{}).Code
}

// Run refreshes every user's stale records each RefreshInterval until ctx
// is cancelled. It returns immediately when the interval is zero.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.RefreshInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.log.Info("periodic refresh started", "interval", s.cfg.RefreshInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("periodic refresh stopped")
			return ctx.Err()
		case <-ticker.C:
			s.refreshAll(ctx)
		}
	}
}

func (s *Scheduler) refreshAll(ctx context.Context) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		s.log.Error("list users for refresh", "err", err)
		return
	}

	for _, u := range users {
		results, err := s.RefreshStale(ctx, u.ID, s.cfg.BatchMax)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("refresh stale", "user", u.ID, "err", err)
			continue
		}

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		s.log.Debug("refreshed", "user", u.ID, "records", len(results),
			"failed", failed)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
