// Package sync reconciles outreach records with the mail provider.
//
// Reconcile is reached from three independent triggers (a user opening a
// record, batch refresh and push events) that may race on one record. All
// provider reads happen first, then the observation is folded into the
// freshest copy of the record with a conditional write, so a racing writer
// is never overwritten and stages only move forward.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/gmail"
	"github.com/daviddao/outreach/internal/metrics"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
	"golang.org/x/sync/singleflight"
)

// Config tunes reconciliation and batch refresh.
type Config struct {
	// Debounce skips a record synced more recently than this.
	Debounce time.Duration `mapstructure:"debounce"`

	DraftCacheTTL  time.Duration `mapstructure:"draft_cache_ttl"`
	ThreadCooldown time.Duration `mapstructure:"thread_cooldown"`

	// RateLimit provider calls are allowed per RateWindow per user.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`

	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`

	BatchPause time.Duration `mapstructure:"batch_pause"`
	BatchMax   int           `mapstructure:"batch_max"`

	// RefreshInterval runs a stale refresh for every user periodically.
	// Zero disables the loop.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Debounce:        10 * time.Second,
		DraftCacheTTL:   5 * time.Second,
		ThreadCooldown:  30 * time.Second,
		RateLimit:       30,
		RateWindow:      time.Minute,
		ProviderTimeout: 10 * time.Second,
		BatchPause:      time.Second,
		BatchMax:        MaxExplicitIDs,
	}
}

// Trigger names what started a reconciliation. It only labels metrics and
// logs.
type Trigger string

const (
	TriggerOpen    Trigger = "open"
	TriggerRefresh Trigger = "refresh"
	TriggerPush    Trigger = "push"
)

// Coordinator reconciles single records.
type Coordinator struct {
	cfg     Config
	records db.RecordStore
	mail    gmail.Connector
	notify  types.ChangeNotifier
	log     *slog.Logger

	budget *Budget
	drafts *draftCache
	flight singleflight.Group
	now    func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithBudget shares a provider budget with other components.
func WithBudget(b *Budget) Option {
	return func(c *Coordinator) { c.budget = b }
}

// NewCoordinator creates a Coordinator. Stop releases its cache.
func NewCoordinator(cfg Config, records db.RecordStore, mail gmail.Connector,
	notify types.ChangeNotifier, log *slog.Logger, opts ...Option) *Coordinator {

	if notify == nil {
		notify = types.NopNotifier{}
	}
	c := &Coordinator{
		cfg:     cfg,
		records: records,
		mail:    mail,
		notify:  notify,
		log:     log.With("component", "sync"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.budget == nil {
		c.budget = NewBudget(cfg.RateLimit, cfg.RateWindow)
	}
	c.drafts = newDraftCache(cfg.DraftCacheTTL)
	return c
}

// Stop releases background resources.
func (c *Coordinator) Stop() {
	c.drafts.stop()
}

// Budget returns the per-user provider budget.
func (c *Coordinator) Budget() *Budget {
	return c.budget
}

type reconcileResult struct {
	rec    *types.OutreachRecord
	synced bool
}

// Reconcile brings one record up to date with the provider. It returns the
// stored record and whether a sync ran. A record synced within the
// debounce window is returned unchanged with synced false. Provider
// failures are recorded on the record and returned as a *types.SyncError
// alongside the updated record.
//
// Concurrent calls for one record share a single run. The run is detached
// from every caller's cancellation and always commits; a caller whose ctx
// ends first gets ctx.Err() while the run completes for the others.
func (c *Coordinator) Reconcile(ctx context.Context, userID, id string,
	trigger Trigger) (*types.OutreachRecord, bool, error) {

	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(userID+"/"+id, func() (any, error) {
		rec, synced, err := c.reconcile(detached, userID, id, trigger)
		return reconcileResult{rec: rec, synced: synced}, err
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(reconcileResult)
		if res.rec != nil {
			res.rec = res.rec.Clone()
		}
		return res.rec, res.synced, r.Err
	}
}

func (c *Coordinator) reconcile(ctx context.Context, userID, id string,
	trigger Trigger) (*types.OutreachRecord, bool, error) {

	rec, err := c.records.GetRecord(ctx, userID, id)
	if err != nil {
		return nil, false, err
	}

	now := c.now().UTC()
	if !rec.LastSyncAt.IsZero() && now.Sub(rec.LastSyncAt) < c.cfg.Debounce {
		metrics.RecordSync(string(trigger), "debounced")
		return rec, false, nil
	}

	obs := c.observe(ctx, rec, now)

	var tr transitionLog
	updated, err := db.Mutate(ctx, c.records, userID, id, func(r *types.OutreachRecord) error {
		tr = tr[:0]
		return obs.apply(r, &tr)
	})
	if err != nil {
		return rec, false, fmt.Errorf("commit sync of %s: %w", id, err)
	}

	for _, t := range tr {
		metrics.RecordTransition(string(trigger), t.To.String())
		c.log.Info("stage changed", "user", userID, "record", id,
			"from", t.From, "to", t.To, "trigger", trigger)
	}
	c.notify.RecordChanged(updated.Clone())

	if obs.err != nil {
		metrics.RecordSync(string(trigger), obs.err.Code)
		c.log.Warn("sync failed", "user", userID, "record", id,
			"code", obs.err.Code, "err", obs.err.Message)
		return updated, true, obs.err
	}
	metrics.RecordSync(string(trigger), "ok")
	return updated, true, nil
}

// observation is everything learned from the provider in one sync. It is
// computed once and may be applied to several copies of the record when a
// conditional write has to be retried.
type observation struct {
	at  time.Time
	err *types.SyncError

	// draftID is the draft found missing, if any.
	draftID string
	sent    *gmail.Message

	latest      *gmail.Message
	fromContact bool
}

func (c *Coordinator) observe(ctx context.Context, rec *types.OutreachRecord,
	now time.Time) *observation {

	obs := &observation{at: now}
	if err := c.collect(ctx, rec, obs); err != nil {
		obs.draftID, obs.sent, obs.latest = "", nil, nil
		obs.err = types.ClassifySyncError(err, now)
	}
	return obs
}

func (c *Coordinator) collect(ctx context.Context, rec *types.OutreachRecord,
	obs *observation) error {

	mb, err := c.mail.Connect(ctx, rec.UserID)
	if err != nil {
		return err
	}

	threadID := rec.ThreadID
	draftGone := !rec.DraftPending()

	if rec.DraftPending() {
		exists, err := c.draftExists(ctx, mb, rec.UserID, rec.DraftID)
		if err != nil {
			return err
		}
		if !exists {
			draftGone = true
			obs.draftID = rec.DraftID
			if threadID == "" {
				obs.sent = c.lookupSent(ctx, mb, rec)
				if obs.sent != nil {
					threadID = obs.sent.ThreadID
				}
			}
		}
	}

	if threadID == "" || !draftGone {
		return nil
	}
	if !rec.LastThreadSyncAt.IsZero() && obs.at.Sub(rec.LastThreadSyncAt) < c.cfg.ThreadCooldown {
		return nil
	}

	if err := c.budget.Take(rec.UserID, obs.at); err != nil {
		return err
	}
	msg, err := gmail.Call(ctx, c.cfg.ProviderTimeout, "latest_message",
		func(ctx context.Context) (*gmail.Message, error) {
			return mb.LatestThreadMessage(ctx, threadID)
		})
	if err != nil {
		return err
	}
	obs.latest = msg
	obs.fromContact = !msg.FromSelf(mb.Address())
	return nil
}

func (c *Coordinator) draftExists(ctx context.Context, mb gmail.Mailbox,
	userID, draftID string) (bool, error) {

	if exists, ok := c.drafts.get(userID, draftID); ok {
		return exists, nil
	}
	if err := c.budget.Take(userID, c.now()); err != nil {
		return false, err
	}
	exists, err := gmail.Call(ctx, c.cfg.ProviderTimeout, "draft_exists",
		func(ctx context.Context) (bool, error) {
			return mb.DraftExists(ctx, draftID)
		})
	if err != nil {
		return false, err
	}
	c.drafts.set(userID, draftID, exists)
	return exists, nil
}

// lookupSent searches sent mail for the message the draft became. It is
// best effort: every failure is logged and treated as not found.
func (c *Coordinator) lookupSent(ctx context.Context, mb gmail.Mailbox,
	rec *types.OutreachRecord) *gmail.Message {

	if rec.ContactEmail == "" {
		return nil
	}
	if err := c.budget.Take(rec.UserID, c.now()); err != nil {
		c.log.Debug("skipping sent lookup", "record", rec.ID, "err", err)
		return nil
	}
	msg, err := gmail.Call(ctx, c.cfg.ProviderTimeout, "find_sent",
		func(ctx context.Context) (*gmail.Message, error) {
			return mb.FindSentThread(ctx, rec.ContactEmail, rec.Subject)
		})
	switch {
	case errors.Is(err, types.ErrNotFound):
		return nil
	case err != nil:
		c.log.Warn("sent lookup failed", "record", rec.ID, "err", err)
		return nil
	case msg.ThreadID == "":
		return nil
	}
	return msg
}

type transitionLog []stage.Transition

func (l *transitionLog) add(tr stage.Transition) {
	if tr.Changed {
		*l = append(*l, tr)
	}
}

// apply folds the observation into r. It must only derive state from r and
// obs since it reruns on write conflicts.
func (o *observation) apply(r *types.OutreachRecord, log *transitionLog) error {
	r.LastSyncAt = o.at
	if o.err != nil {
		r.LastSyncError = o.err
		return nil
	}
	r.LastSyncError = nil

	// The draft checked may have been replaced by a newer one meanwhile.
	if o.draftID != "" && r.DraftID == o.draftID && r.DraftStillExists {
		var threadID string
		var sentAt time.Time
		if o.sent != nil {
			threadID, sentAt = o.sent.ThreadID, o.sent.At
		}
		tr, err := r.ObserveSent(threadID, sentAt, o.at)
		if err != nil {
			return err
		}
		log.add(tr)
	}

	if o.latest != nil {
		tr, err := r.ObserveMessage(o.latest.At, o.latest.Snippet, o.fromContact, o.at)
		if err != nil {
			return err
		}
		log.add(tr)
		r.LastThreadSyncAt = o.at
	}
	return nil
}
