// Package push applies mailbox change notifications to outreach records.
//
// Notifications may arrive duplicated or out of order. Every update is a
// field-level, idempotent observation applied through a conditional write,
// so replays are harmless and stages never move backward.
package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/gmail"
	"github.com/daviddao/outreach/internal/metrics"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
)

// Notification is the payload of a Gmail push message.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// ErrBadNotification is returned for payloads that can never be handled.
var ErrBadNotification = errors.New("malformed push notification")

// pubSubEnvelope is the body of a Pub/Sub push request.
type pubSubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePubSub extracts the notification from a Pub/Sub push body.
func DecodePubSub(body []byte) (Notification, error) {
	var env pubSubEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrBadNotification, err)
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: data: %w", ErrBadNotification, err)
		}
	}
	return decodeNotification(data)
}

func decodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrBadNotification, err)
	}
	if n.EmailAddress == "" || n.HistoryID == 0 {
		return Notification{}, fmt.Errorf("%w: missing address or history id",
			ErrBadNotification)
	}
	return n, nil
}

// NotificationHandler processes one notification.
type NotificationHandler interface {
	Handle(ctx context.Context, n Notification) error
}

// Handler resolves notifications to records and applies what changed.
type Handler struct {
	users   db.UserStore
	records db.RecordStore
	mail    gmail.Connector
	notify  types.ChangeNotifier
	log     *slog.Logger

	timeout time.Duration
	now     func() time.Time
	locks   userLocks
}

var _ NotificationHandler = (*Handler)(nil)

// NewHandler creates a Handler. timeout bounds each provider call.
func NewHandler(users db.UserStore, records db.RecordStore, mail gmail.Connector,
	notify types.ChangeNotifier, timeout time.Duration, log *slog.Logger) *Handler {

	if notify == nil {
		notify = types.NopNotifier{}
	}
	return &Handler{
		users:   users,
		records: records,
		mail:    mail,
		notify:  notify,
		log:     log.With("component", "push"),
		timeout: timeout,
		now:     time.Now,
		locks:   userLocks{m: make(map[string]*sync.Mutex)},
	}
}

// Handle processes one notification. Notifications for one user are
// handled one at a time. Unknown mailboxes and stale pointers are dropped
// without error; a returned error means the notification may be retried.
func (h *Handler) Handle(ctx context.Context, n Notification) error {
	user, err := h.users.UserByEmail(ctx, n.EmailAddress)
	if errors.Is(err, types.ErrNotFound) {
		h.log.Warn("push for unknown mailbox", "address", n.EmailAddress)
		metrics.RecordPush("unknown_user")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve %s: %w", n.EmailAddress, err)
	}

	unlock := h.locks.lock(user.ID)
	defer unlock()

	// Reload under the lock: the pointer may have moved while waiting.
	user, err = h.users.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	log := h.log.With("user", user.ID, "history_id", n.HistoryID)

	if n.HistoryID <= user.HistoryID {
		log.Debug("duplicate or stale push", "stored", user.HistoryID)
		metrics.RecordPush("duplicate")
		return nil
	}
	if user.HistoryID == 0 {
		// No baseline yet: everything before this point is history.
		if _, err := h.users.AdvanceHistoryID(ctx, user.ID, n.HistoryID); err != nil {
			return err
		}
		log.Info("history baseline stored")
		metrics.RecordPush("baseline")
		return nil
	}

	mb, err := h.mail.Connect(ctx, user.ID)
	if err != nil {
		metrics.RecordPush("disconnected")
		return fmt.Errorf("connect %s: %w", user.ID, err)
	}

	hctx, cancel := h.callContext(ctx)
	page, err := mb.History(hctx, user.HistoryID)
	cancel()
	if errors.Is(err, gmail.ErrHistoryExpired) {
		log.Warn("history pointer expired, resetting", "stored", user.HistoryID)
		if _, err := h.users.AdvanceHistoryID(ctx, user.ID, n.HistoryID); err != nil {
			return err
		}
		metrics.RecordPush("expired")
		return nil
	}
	if err != nil {
		metrics.RecordPush("error")
		return fmt.Errorf("history since %d: %w", user.HistoryID, err)
	}

	var applied, failed int
	for _, id := range page.MessageIDs {
		ok, err := h.applyMessage(ctx, user.ID, mb, id)
		switch {
		case err != nil:
			failed++
			log.Warn("push message not applied", "message", id, "err", err)
		case ok:
			applied++
		}
	}

	// Messages that failed are not retried: a later sync of the record
	// observes the same thread state.
	next := max(page.HistoryID, n.HistoryID)
	if _, err := h.users.AdvanceHistoryID(ctx, user.ID, next); err != nil {
		return err
	}

	log.Info("push handled", "messages", len(page.MessageIDs),
		"applied", applied, "failed", failed, "next_history_id", next)
	metrics.RecordPush("ok")
	return nil
}

func (h *Handler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// applyMessage applies one added message. It reports whether a record was
// changed or matched.
func (h *Handler) applyMessage(ctx context.Context, userID string, mb gmail.Mailbox,
	msgID string) (bool, error) {

	mctx, cancel := h.callContext(ctx)
	msg, err := mb.MessageMeta(mctx, msgID)
	cancel()
	if errors.Is(err, types.ErrNotFound) {
		// Deleted before we got to it.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch {
	case msg.IsDraft():
		return false, nil
	case msg.Sent():
		return h.applySent(ctx, userID, msg)
	case msg.FromSelf(mb.Address()):
		// Written by the owner but never sent.
		return false, nil
	}
	return h.applyReply(ctx, userID, msg)
}

// applyReply handles a message from someone other than the mailbox owner.
func (h *Handler) applyReply(ctx context.Context, userID string, msg *gmail.Message) (bool, error) {
	rec, err := h.records.RecordByThread(ctx, userID, msg.ThreadID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := h.now().UTC()
	return h.commit(ctx, rec, func(r *types.OutreachRecord) (stage.Transition, error) {
		return r.ObserveMessage(msg.At, msg.Snippet, true, now)
	})
}

// applySent handles a message the owner sent, possibly a draft sent from
// the mail client directly.
func (h *Handler) applySent(ctx context.Context, userID string, msg *gmail.Message) (bool, error) {
	rec, err := h.records.RecordByThread(ctx, userID, msg.ThreadID)
	if errors.Is(err, types.ErrNotFound) {
		rec, err = h.records.UnsentByRecipient(ctx, userID, msg.To)
	}
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := h.now().UTC()
	return h.commit(ctx, rec, func(r *types.OutreachRecord) (stage.Transition, error) {
		tr, err := r.ObserveSent(msg.ThreadID, msg.At, now)
		if err != nil {
			return tr, err
		}
		if r.ThreadID != msg.ThreadID {
			return tr, nil
		}
		if _, err := r.ObserveMessage(msg.At, msg.Snippet, false, now); err != nil {
			return tr, err
		}
		return tr, nil
	})
}

func (h *Handler) commit(ctx context.Context, rec *types.OutreachRecord,
	fn func(r *types.OutreachRecord) (stage.Transition, error)) (bool, error) {

	var tr stage.Transition
	updated, err := db.Mutate(ctx, h.records, rec.UserID, rec.ID, func(r *types.OutreachRecord) error {
		var err error
		tr, err = fn(r)
		return err
	})
	if err != nil {
		return false, err
	}

	if tr.Changed {
		metrics.RecordTransition("push", tr.To.String())
		h.log.Info("stage changed", "user", rec.UserID, "record", rec.ID,
			"from", tr.From, "to", tr.To, "trigger", "push")
	}
	h.notify.RecordChanged(updated.Clone())
	return true, nil
}

// userLocks serialises work per user within this process.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	mu, ok := l.m[userID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[userID] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
