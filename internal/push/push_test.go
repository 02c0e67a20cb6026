package push

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/gmail"
	"github.com/daviddao/outreach/internal/outreachtest"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *db.Store
	mb     *outreachtest.Mailbox
	conn   *outreachtest.Connector
	notify *outreachtest.Notifier
	h      *Handler
}

func newHarness(t *testing.T, historyID uint64) *harness {
	t.Helper()

	x := &harness{
		store:  outreachtest.NewStore(t),
		mb:     outreachtest.NewMailbox("u1@example.com"),
		conn:   outreachtest.NewConnector(),
		notify: &outreachtest.Notifier{},
	}
	x.conn.Add("u1", x.mb)
	outreachtest.SeedUser(t, x.store, "u1", 0)
	if historyID > 0 {
		_, err := x.store.AdvanceHistoryID(context.Background(), "u1", historyID)
		require.NoError(t, err)
	}

	x.h = NewHandler(x.store, x.store, x.conn, x.notify, time.Second, outreachtest.Logger())
	x.h.now = func() time.Time { return epoch }
	return x
}

func (x *harness) handle(t *testing.T, historyID uint64) {
	t.Helper()
	require.NoError(t, x.h.Handle(context.Background(), Notification{
		EmailAddress: "U1@example.com", HistoryID: historyID,
	}))
}

func (x *harness) record(t *testing.T, id string) *types.OutreachRecord {
	t.Helper()
	rec, err := x.store.GetRecord(context.Background(), "u1", id)
	require.NoError(t, err)
	return rec
}

func (x *harness) pointer(t *testing.T) uint64 {
	t.Helper()
	u, err := x.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	return u.HistoryID
}

func TestReplyMarksRecordReplied(t *testing.T) {
	x := newHarness(t, 100)
	outreachtest.SeedRecord(t, x.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "ada@x.com",
		ThreadID: "t1", Stage: stage.WaitingOnReply,
	})
	replyAt := epoch.Add(-time.Minute)
	x.mb.AddMessage(&gmail.Message{
		ID: "m1", ThreadID: "t1", From: "Ada <ada@x.com>", Snippet: "Yes!",
		At: replyAt, Labels: []string{"INBOX"},
	}, "")
	x.mb.AddHistory(110, "m1")

	x.handle(t, 110)

	rec := x.record(t, "c1")
	require.Equal(t, stage.Replied, rec.Stage)
	require.True(t, rec.HasUnreadReply)
	require.Equal(t, "Yes!", rec.LastMessageSnippet)
	require.Equal(t, replyAt, rec.RepliedAt)
	require.EqualValues(t, 110, x.pointer(t))
	require.Len(t, x.notify.Changes(), 1)
}

func TestSentByRecipientBackfillsThread(t *testing.T) {
	x := newHarness(t, 100)
	outreachtest.SeedRecord(t, x.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "Ada@X.com",
		DraftID: "d1", DraftStillExists: true, Stage: stage.DraftCreated,
	})
	sentAt := epoch.Add(-time.Minute)
	x.mb.AddMessage(&gmail.Message{
		ID: "m1", ThreadID: "t7", From: "u1@example.com", To: []string{"ada@x.com"},
		Snippet: "Hi Ada", At: sentAt, Labels: []string{"SENT"},
	}, "")
	x.mb.AddHistory(120, "m1")

	x.handle(t, 120)

	rec := x.record(t, "c1")
	require.Equal(t, "t7", rec.ThreadID)
	require.False(t, rec.DraftStillExists)
	require.Equal(t, stage.WaitingOnReply, rec.Stage)
	require.Equal(t, sentAt, rec.EmailSentAt)
	require.Equal(t, types.ThreadNoReply, rec.ThreadStatus)
	require.Equal(t, "Hi Ada", rec.LastMessageSnippet)
}

func TestSentPushDoesNotRegressReplied(t *testing.T) {
	x := newHarness(t, 100)
	repliedAt := epoch.Add(-time.Hour)
	outreachtest.SeedRecord(t, x.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "ada@x.com",
		ThreadID: "t1", DraftID: "d1", DraftStillExists: true,
		Stage: stage.Replied, RepliedAt: repliedAt,
		EmailSentAt: epoch.Add(-48 * time.Hour),
	})
	// The original send, delivered late.
	x.mb.AddMessage(&gmail.Message{
		ID: "m0", ThreadID: "t1", From: "u1@example.com", To: []string{"ada@x.com"},
		At: epoch.Add(-48 * time.Hour), Labels: []string{"SENT"},
	}, "")
	x.mb.AddHistory(105, "m0")

	x.handle(t, 105)

	rec := x.record(t, "c1")
	require.Equal(t, stage.Replied, rec.Stage)
	require.Equal(t, repliedAt, rec.RepliedAt)
	require.Equal(t, epoch.Add(-48*time.Hour), rec.EmailSentAt)
}

func TestDraftMessagesAreIgnored(t *testing.T) {
	x := newHarness(t, 100)
	outreachtest.SeedRecord(t, x.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "ada@x.com",
		DraftID: "d1", DraftStillExists: true, Stage: stage.DraftCreated,
	})
	outreachtest.SeedRecord(t, x.store, &types.OutreachRecord{
		ID: "c2", UserID: "u1", ContactEmail: "bob@x.com",
		ThreadID: "t1", DraftID: "d2", DraftStillExists: true,
		Stage: stage.DraftCreated, EmailSentAt: epoch.Add(-48 * time.Hour),
		LastMessageSnippet: "Sounds interesting",
	})
	// A fresh upstream draft and a generated reply draft, neither sent.
	x.mb.AddMessage(&gmail.Message{
		ID: "m1", ThreadID: "t-draft", From: "u1@example.com", To: []string{"ada@x.com"},
		Snippet: "Hi Ada", At: epoch.Add(-time.Minute), Labels: []string{"DRAFT"},
	}, "")
	x.mb.AddMessage(&gmail.Message{
		ID: "m2", ThreadID: "t1", From: "u1@example.com", To: []string{"bob@x.com"},
		Snippet: "Thanks Bob (draft)", At: epoch.Add(-time.Minute), Labels: []string{"DRAFT"},
	}, "")
	x.mb.AddHistory(110, "m1", "m2")

	x.handle(t, 110)

	ada := x.record(t, "c1")
	require.Equal(t, stage.DraftCreated, ada.Stage)
	require.True(t, ada.DraftStillExists)
	require.Empty(t, ada.ThreadID)
	require.True(t, ada.EmailSentAt.IsZero())

	bob := x.record(t, "c2")
	require.Equal(t, stage.DraftCreated, bob.Stage)
	require.True(t, bob.DraftStillExists)
	require.Equal(t, "Sounds interesting", bob.LastMessageSnippet)

	require.Empty(t, x.notify.Changes())
	require.EqualValues(t, 110, x.pointer(t))
}

func TestDuplicateAndOutOfOrderPushes(t *testing.T) {
	x := newHarness(t, 100)
	outreachtest.SeedRecord(t, x.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "ada@x.com",
		ThreadID: "t1", Stage: stage.WaitingOnReply,
	})
	x.mb.AddMessage(&gmail.Message{
		ID: "m1", ThreadID: "t1", From: "ada@x.com", Snippet: "first",
		At: epoch.Add(-2 * time.Minute),
	}, "")
	x.mb.AddMessage(&gmail.Message{
		ID: "m2", ThreadID: "t1", From: "ada@x.com", Snippet: "second",
		At: epoch.Add(-time.Minute),
	}, "")
	x.mb.AddHistory(110, "m1")
	x.mb.AddHistory(120, "m2")

	x.handle(t, 120)
	require.EqualValues(t, 120, x.pointer(t))
	require.Equal(t, 1, x.mb.Calls(outreachtest.OpHistory))

	// Redelivery and an older notification are both ignored.
	x.handle(t, 120)
	x.handle(t, 110)
	require.Equal(t, 1, x.mb.Calls(outreachtest.OpHistory))

	rec := x.record(t, "c1")
	require.Equal(t, stage.Replied, rec.Stage)
	require.Equal(t, "second", rec.LastMessageSnippet)
}

func TestReplayIsIdempotent(t *testing.T) {
	x := newHarness(t, 100)
	outreachtest.SeedRecord(t, x.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "ada@x.com",
		ThreadID: "t1", Stage: stage.WaitingOnReply,
	})
	x.mb.AddMessage(&gmail.Message{
		ID: "m1", ThreadID: "t1", From: "ada@x.com", Snippet: "hey", At: epoch,
	}, "")
	x.mb.AddHistory(110, "m1")

	x.handle(t, 110)
	first := x.record(t, "c1")

	// The same message applied again, as after a redelivered history page.
	ok, err := x.h.applyMessage(context.Background(), "u1", x.mb, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	second := x.record(t, "c1")
	require.Equal(t, first.Stage, second.Stage)
	require.Equal(t, first.RepliedAt, second.RepliedAt)
	require.Equal(t, first.LastMessageSnippet, second.LastMessageSnippet)
	require.Equal(t, first.HasUnreadReply, second.HasUnreadReply)
}

func TestBaselineAndExpiredPointer(t *testing.T) {
	x := newHarness(t, 0)

	x.handle(t, 500)
	require.EqualValues(t, 500, x.pointer(t))
	require.Zero(t, x.conn.Calls())

	x.mb.ExpireHistoryBefore(1000)
	x.handle(t, 700)
	require.EqualValues(t, 700, x.pointer(t))
}

func TestUnknownMailboxIgnored(t *testing.T) {
	x := newHarness(t, 100)
	require.NoError(t, x.h.Handle(context.Background(), Notification{
		EmailAddress: "stranger@example.com", HistoryID: 999,
	}))
	require.Zero(t, x.conn.Calls())
}

func TestMessageErrorsDoNotBlockPointer(t *testing.T) {
	x := newHarness(t, 100)
	x.mb.AddHistory(130, "missing", "also-missing")
	x.mb.FailOn(outreachtest.OpMessageMeta, fmt.Errorf("boom: %w", types.ErrProvider))

	x.handle(t, 130)
	require.EqualValues(t, 130, x.pointer(t))
}

func TestDisconnectedIsReturned(t *testing.T) {
	x := newHarness(t, 100)
	x.conn.Fail(types.ErrNotConnected)

	err := x.h.Handle(context.Background(), Notification{
		EmailAddress: "u1@example.com", HistoryID: 200,
	})
	require.ErrorIs(t, err, types.ErrNotConnected)
	require.EqualValues(t, 100, x.pointer(t))
}

func TestDecodePubSub(t *testing.T) {
	data := base64.StdEncoding.EncodeToString(
		[]byte(`{"emailAddress":"u1@example.com","historyId":4242}`))
	body := []byte(`{"message":{"data":"` + data + `","messageId":"1"},"subscription":"s"}`)

	n, err := DecodePubSub(body)
	require.NoError(t, err)
	require.Equal(t, "u1@example.com", n.EmailAddress)
	require.EqualValues(t, 4242, n.HistoryID)

	_, err = DecodePubSub([]byte(`{"message":{"data":"e30="}}`))
	require.ErrorIs(t, err, ErrBadNotification)

	_, err = DecodePubSub([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadNotification)
}

type countingHandler struct{ n atomic.Int32 }

func (c *countingHandler) Handle(ctx context.Context, _ Notification) error {
	c.n.Add(1)
	return ctx.Err()
}

func TestInlineOutlivesRequest(t *testing.T) {
	h := &countingHandler{}
	d := NewInline(h, time.Second, outreachtest.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, Notification{EmailAddress: "a", HistoryID: 1}))
	cancel()
	d.Wait()

	require.EqualValues(t, 1, h.n.Load())
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(fmt.Errorf("x: %w", types.ErrRateLimited)))
	require.True(t, retryable(types.ErrConflict))
	require.False(t, retryable(types.ErrNotConnected))
	require.False(t, retryable(ErrBadNotification))
}

// TestRabbitMQRoundTrip needs a broker; set OUTREACH_TEST_AMQP_URL to run it.
func TestRabbitMQRoundTrip(t *testing.T) {
	url := os.Getenv("OUTREACH_TEST_AMQP_URL")
	if url == "" {
		t.Skip("OUTREACH_TEST_AMQP_URL not set")
	}

	q, err := DialRabbitMQ(url, outreachtest.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	h := &countingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, h)

	require.NoError(t, q.Dispatch(ctx, Notification{EmailAddress: "a@x.com", HistoryID: 7}))
	require.Eventually(t, func() bool { return h.n.Load() >= 1 },
		5*time.Second, 20*time.Millisecond)
}
