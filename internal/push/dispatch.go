package push

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher hands a decoded notification off for processing so the
// receiving endpoint can acknowledge quickly.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Inline processes notifications in background goroutines of this
// process. It is used when no queue is configured.
type Inline struct {
	h       NotificationHandler
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

var _ Dispatcher = (*Inline)(nil)

// NewInline creates an inline dispatcher. timeout bounds each
// notification.
func NewInline(h NotificationHandler, timeout time.Duration, log *slog.Logger) *Inline {
	return &Inline{h: h, timeout: timeout, log: log.With("component", "push")}
}

// Dispatch starts handling n and returns immediately. The work outlives
// the caller's request.
func (d *Inline) Dispatch(ctx context.Context, n Notification) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.h.Handle(ctx, n); err != nil {
			d.log.Error("push handling failed", "address", n.EmailAddress,
				"history_id", n.HistoryID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until all dispatched notifications are done.
func (d *Inline) Wait() {
	d.wg.Wait()
}
