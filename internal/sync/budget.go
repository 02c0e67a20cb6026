package sync

import (
	"fmt"
	gosync "sync"
	"time"

	"github.com/daviddao/outreach/internal/types"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Budget is a per-user provider call allowance. It never waits: a call
// over budget fails with types.ErrRateLimited.
type Budget struct {
	mu     gosync.Mutex
	limit  rate.Limit
	burst  int
	window time.Duration
	users  map[string]*rate.Limiter
}

// NewBudget allows calls provider calls per window for each user. A
// non-positive calls disables the limit.
func NewBudget(calls int, window time.Duration) *Budget {
	b := &Budget{
		limit:  rate.Inf,
		burst:  calls,
		window: window,
		users:  make(map[string]*rate.Limiter),
	}
	if calls > 0 && window > 0 {
		b.limit = rate.Every(window / time.Duration(calls))
	}
	return b
}

// Take consumes one call for userID at now.
func (b *Budget) Take(userID string, now time.Time) error {
	if b.limit == rate.Inf {
		return nil
	}

	b.mu.Lock()
	lim, ok := b.users[userID]
	if !ok {
		lim = rate.NewLimiter(b.limit, b.burst)
		b.users[userID] = lim
	}
	b.mu.Unlock()

	if !lim.AllowN(now, 1) {
		return fmt.Errorf("%d provider calls per %s: %w", b.burst, b.window,
			types.ErrRateLimited)
	}
	return nil
}

// draftCache remembers draft existence for a short time so that bursts of
// syncs for one record cost a single provider call.
type draftCache struct {
	c *ttlcache.Cache[string, bool]
}

func newDraftCache(ttl time.Duration) *draftCache {
	if ttl <= 0 {
		return &draftCache{}
	}
	c := ttlcache.New(
		ttlcache.WithTTL[string, bool](ttl),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go c.Start()
	return &draftCache{c: c}
}

func draftKey(userID, draftID string) string {
	return userID + "/" + draftID
}

func (d *draftCache) get(userID, draftID string) (bool, bool) {
	if d.c == nil {
		return false, false
	}
	item := d.c.Get(draftKey(userID, draftID))
	if item == nil {
		return false, false
	}
	return item.Value(), true
}

func (d *draftCache) set(userID, draftID string, exists bool) {
	if d.c == nil {
		return
	}
	d.c.Set(draftKey(userID, draftID), exists, ttlcache.DefaultTTL)
}

func (d *draftCache) stop() {
	if d.c != nil {
		d.c.Stop()
	}
}
