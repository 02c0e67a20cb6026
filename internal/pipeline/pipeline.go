// Package pipeline exposes a user's outreach records: listing with soft
// duplicate detection, aggregate stats, manual stage changes and the
// user-open sync path.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/metrics"
	"github.com/daviddao/outreach/internal/stage"
	outsync "github.com/daviddao/outreach/internal/sync"
	"github.com/daviddao/outreach/internal/types"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ErrUnknownSort is returned for a sort order other than activity or sent.
var ErrUnknownSort = errors.New("unknown sort order")

// Reconciler brings a record up to date with the mail provider.
type Reconciler interface {
	Reconcile(ctx context.Context, userID, id string,
		trigger outsync.Trigger) (*types.OutreachRecord, bool, error)
}

// Service implements the pipeline operations.
type Service struct {
	records db.RecordStore
	sync    Reconciler
	notify  types.ChangeNotifier
	log     *slog.Logger
	now     func() time.Time
}

func NewService(records db.RecordStore, sync Reconciler, notify types.ChangeNotifier,
	log *slog.Logger) *Service {

	if notify == nil {
		notify = types.NopNotifier{}
	}
	return &Service{
		records: records,
		sync:    sync,
		notify:  notify,
		log:     log.With("component", "pipeline"),
		now:     time.Now,
	}
}

// List returns one page of the user's records. Duplicates are flagged, not
// hidden.
func (s *Service) List(ctx context.Context, userID string,
	opts types.ListOptions) (*types.ListPage, error) {

	sortBy := cmp.Or(opts.Sort, types.SortActivity)
	if sortBy != types.SortActivity && sortBy != types.SortSent {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSort, opts.Sort)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)
	offset := max(opts.Offset, 0)

	recs, err := s.records.ListRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	MarkDuplicates(recs)

	if len(opts.Stages) > 0 {
		recs = slices.DeleteFunc(recs, func(r *types.OutreachRecord) bool {
			return !slices.Contains(opts.Stages, r.Stage)
		})
	}
	sortRecords(recs, sortBy)

	page := &types.ListPage{Total: len(recs), Records: []*types.OutreachRecord{}}
	for _, r := range recs {
		if r.DuplicateOf != "" {
			page.Duplicates++
		}
	}
	if offset < len(recs) {
		end := min(offset+limit, len(recs))
		page.Records = recs[offset:end]
		if end < len(recs) {
			page.NextOffset = end
		}
	}
	return page, nil
}

func sortRecords(recs []*types.OutreachRecord, sortBy string) {
	key := (*types.OutreachRecord).ActivityAt
	if sortBy == types.SortSent {
		key = func(r *types.OutreachRecord) time.Time { return r.EmailSentAt }
	}
	slices.SortStableFunc(recs, func(a, b *types.OutreachRecord) int {
		if c := key(b).Compare(key(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Stats aggregates the user's records as of now.
func (s *Service) Stats(ctx context.Context, userID string) (*types.Stats, error) {
	recs, err := s.records.ListRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	MarkDuplicates(recs)
	return ComputeStats(recs, s.now().UTC()), nil
}

// SetStage moves a record to target by operator decision. at, when set,
// stamps the timestamp tied to the target stage.
func (s *Service) SetStage(ctx context.Context, userID, id string, target stage.Stage,
	at fn.Option[time.Time]) (*types.OutreachRecord, error) {

	if !target.Valid() {
		return nil, fmt.Errorf("%w: %d", stage.ErrUnknownStage, uint8(target))
	}

	now := s.now().UTC()
	var tr stage.Transition
	updated, err := db.Mutate(ctx, s.records, userID, id, func(r *types.OutreachRecord) error {
		var err error
		tr, err = stage.Apply(r.Stage, stage.ManualOverride{Target: target, At: at}, now)
		if err != nil {
			return err
		}
		r.ApplyStamps(tr)
		switch {
		case target.Terminal():
			r.ThreadStatus = types.ThreadClosed
		case r.ThreadStatus == types.ThreadClosed:
			// Recomputed by the next sync.
			r.ThreadStatus = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.log.With("user", userID, "record", id)
	if target.Terminal() && updated.ThreadID == "" {
		// Allowed, but the record never had a thread to close.
		log.Warn("terminal stage set on record without thread", "stage", target)
	}
	if tr.Changed {
		metrics.RecordTransition("manual", target.String())
		log.Info("stage set manually", "from", tr.From, "to", tr.To)
	}
	s.notify.RecordChanged(updated.Clone())
	return updated, nil
}

// Open reconciles the record the user is looking at and marks it opened.
// A failed sync is soft: the record is still returned with its
// LastSyncError set.
func (s *Service) Open(ctx context.Context, userID, id string) (*types.OutreachRecord, bool, error) {
	_, synced, err := s.sync.Reconcile(ctx, userID, id, outsync.TriggerOpen)
	var syncErr *types.SyncError
	if err != nil && !errors.As(err, &syncErr) {
		return nil, false, err
	}

	now := s.now().UTC()
	updated, err := db.Mutate(ctx, s.records, userID, id, func(r *types.OutreachRecord) error {
		r.MarkOpened(now)
		return nil
	})
	if err != nil {
		return nil, synced, err
	}
	s.notify.RecordChanged(updated.Clone())
	return updated, synced, nil
}
