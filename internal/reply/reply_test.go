package reply

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/gmail"
	"github.com/daviddao/outreach/internal/outreachtest"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) GenerateReply(ctx context.Context,
	req types.ReplyRequest) (*types.ReplySuggestion, error) {

	args := m.Called(ctx, req)
	if s := args.Get(0); s != nil {
		return s.(*types.ReplySuggestion), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Balance(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedger) Debit(ctx context.Context, userID string, amount int64, reason string) error {
	return m.Called(ctx, userID, amount, reason).Error(0)
}

func (m *mockLedger) Refund(ctx context.Context, userID string, amount int64, reason string) error {
	return m.Called(ctx, userID, amount, reason).Error(0)
}

type harness struct {
	store *db.Store
	mb    *outreachtest.Mailbox
	conn  *outreachtest.Connector
	gen   *mockGenerator
	svc   *Service
}

func newHarness(t *testing.T, credits int64) *harness {
	t.Helper()

	h := &harness{
		store: outreachtest.NewStore(t),
		mb:    outreachtest.NewMailbox("u1@example.com"),
		conn:  outreachtest.NewConnector(),
		gen:   &mockGenerator{},
	}
	h.conn.Add("u1", h.mb)
	outreachtest.SeedUser(t, h.store, "u1", credits)
	outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
		ID: "c1", UserID: "u1", ContactEmail: "ada@x.com", ContactName: "Ada",
		Subject: "Intro", ThreadID: "t1", Stage: stage.Replied,
		ThreadStatus: types.ThreadNewReply, RepliedAt: epoch,
	})
	h.mb.AddMessage(&gmail.Message{
		ID: "m0", ThreadID: "t1", From: "u1@example.com", To: []string{"ada@x.com"},
		Subject: "Coffee?", At: epoch.Add(-time.Hour), MessageID: "<m0@mail>",
		Labels: []string{"SENT"},
	}, "")
	h.mb.AddMessage(&gmail.Message{
		ID: "m1", ThreadID: "t1", From: "Ada <ada@x.com>", Subject: "Re: Coffee?",
		At: epoch, MessageID: "<m1@mail>", References: "<m0@mail>",
	}, "Happy to chat next week.")

	h.svc = NewService(h.store, h.store, h.conn, h.gen, nil,
		Config{Cost: 10, ProviderTimeout: time.Second}, outreachtest.Logger())
	return h
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func TestGenerateDraftsReply(t *testing.T) {
	h := newHarness(t, 50)
	h.gen.On("GenerateReply", mock.Anything, mock.MatchedBy(func(r types.ReplyRequest) bool {
		return r.ContactMessage == "Happy to chat next week." && r.ContactName == "Ada"
	})).Return(&types.ReplySuggestion{
		Body: "Sounds **great**, Tuesday?", ReplyType: types.ReplyPositive,
	}, nil).Once()

	res, err := h.svc.Generate(context.Background(), "u1", "c1")
	require.NoError(t, err)
	h.gen.AssertExpectations(t)

	require.EqualValues(t, 40, h.balance(t))
	require.Equal(t, stage.DraftCreated, res.Record.Stage)
	require.Equal(t, "draft-1", res.Record.DraftID)
	require.True(t, res.Record.DraftStillExists)
	require.Equal(t, types.ReplyPositive, res.Record.ReplyType)
	require.Equal(t, "Sounds **great**, Tuesday?", res.Record.SuggestedReply)
	require.Equal(t, types.ThreadWaitingOnYou, res.Record.ThreadStatus)
	require.Equal(t, epoch, res.Record.RepliedAt)

	created := h.mb.Created()
	require.Len(t, created, 1)
	in := created[0]
	require.Equal(t, "t1", in.ThreadID)
	require.Equal(t, "ada@x.com", in.To)
	require.Equal(t, "Re: Coffee?", in.Subject)
	require.Equal(t, "<m1@mail>", in.InReplyTo)
	require.Equal(t, "<m0@mail>", in.References)
	require.Contains(t, in.HTMLBody, "<strong>great</strong>")
}

func TestRefundWhenDraftFails(t *testing.T) {
	h := newHarness(t, 50)
	h.gen.On("GenerateReply", mock.Anything, mock.Anything).Return(
		&types.ReplySuggestion{Body: "Sure", ReplyType: types.ReplyPositive}, nil)
	h.mb.FailOn(outreachtest.OpCreateDraft, fmt.Errorf("create draft: %w", types.ErrProvider))

	before, err := h.store.GetRecord(context.Background(), "u1", "c1")
	require.NoError(t, err)

	_, err = h.svc.Generate(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, types.ErrProvider)

	require.EqualValues(t, 50, h.balance(t))
	entries, err := h.store.LedgerEntries(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 2, entries)

	after, err := h.store.GetRecord(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, stage.Replied, after.Stage)
	require.Empty(t, after.DraftID)
}

func TestRefundWhenGeneratorOutputInvalid(t *testing.T) {
	tests := []struct {
		name string
		sugg *types.ReplySuggestion
		err  error
	}{
		{name: "unknown type", sugg: &types.ReplySuggestion{Body: "Hi", ReplyType: "maybe"}},
		{name: "blank body", sugg: &types.ReplySuggestion{Body: "  ", ReplyType: types.ReplyOther}},
		{name: "generator error", err: errors.New("upstream 529")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 50)
			h.gen.On("GenerateReply", mock.Anything, mock.Anything).Return(tc.sugg, tc.err)

			_, err := h.svc.Generate(context.Background(), "u1", "c1")
			require.ErrorIs(t, err, types.ErrGenerationFailed)
			require.EqualValues(t, 50, h.balance(t))
			require.Empty(t, h.mb.Created())
		})
	}
}

func TestPreconditionsBeforeDebit(t *testing.T) {
	t.Run("insufficient credits", func(t *testing.T) {
		h := newHarness(t, 5)
		_, err := h.svc.Generate(context.Background(), "u1", "c1")
		require.ErrorIs(t, err, types.ErrInsufficientCredits)
		require.EqualValues(t, 5, h.balance(t))
		h.gen.AssertNotCalled(t, "GenerateReply", mock.Anything, mock.Anything)
	})

	t.Run("last message from self", func(t *testing.T) {
		h := newHarness(t, 50)
		h.mb.AddMessage(&gmail.Message{
			ID: "m2", ThreadID: "t1", From: "u1@example.com", At: epoch.Add(time.Minute),
		}, "")
		_, err := h.svc.Generate(context.Background(), "u1", "c1")
		require.ErrorIs(t, err, types.ErrLastMessageFromSelf)
		require.EqualValues(t, 50, h.balance(t))
	})

	t.Run("no thread", func(t *testing.T) {
		h := newHarness(t, 50)
		outreachtest.SeedRecord(t, h.store, &types.OutreachRecord{
			ID: "c2", UserID: "u1", ContactEmail: "b@x.com", Stage: stage.DraftCreated,
		})
		_, err := h.svc.Generate(context.Background(), "u1", "c2")
		require.ErrorIs(t, err, types.ErrNoThread)
		require.Zero(t, h.conn.Calls())
	})

	t.Run("disconnected", func(t *testing.T) {
		h := newHarness(t, 50)
		h.conn.Fail(types.ErrNotConnected)
		_, err := h.svc.Generate(context.Background(), "u1", "c1")
		require.ErrorIs(t, err, types.ErrNotConnected)
	})

	t.Run("missing record", func(t *testing.T) {
		h := newHarness(t, 50)
		_, err := h.svc.Generate(context.Background(), "u1", "nope")
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestRefundFollowsDebitAfterCancel(t *testing.T) {
	h := newHarness(t, 50)
	ledger := &mockLedger{}
	ledger.On("Balance", mock.Anything, "u1").Return(int64(50), nil)
	ledger.On("Debit", mock.Anything, "u1", int64(10), "reply:c1").Return(nil).Once()
	ledger.On("Refund", mock.Anything, "u1", int64(10), "reply:c1:refund").Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	h.gen.On("GenerateReply", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	svc := NewService(h.store, ledger, h.conn, h.gen, nil,
		Config{Cost: 10}, outreachtest.Logger())
	_, err := svc.Generate(ctx, "u1", "c1")
	require.Error(t, err)

	ledger.AssertExpectations(t)
	methods := make([]string, 0, len(ledger.Calls))
	for _, c := range ledger.Calls {
		methods = append(methods, c.Method)
	}
	assert.Equal(t, []string{"Balance", "Debit", "Refund"}, methods)

	refundCtx := ledger.Calls[2].Arguments.Get(0).(context.Context)
	assert.NoError(t, refundCtx.Err())
}

func TestGenerationIsBounded(t *testing.T) {
	h := newHarness(t, 50)
	h.svc.cfg.GenerateTimeout = 20 * time.Millisecond
	h.gen.On("GenerateReply", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	_, err := h.svc.Generate(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, types.ErrGenerationFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 50, h.balance(t))
	require.Empty(t, h.mb.Created())
}

func TestSagaCompensatesInReverse(t *testing.T) {
	var order []string
	step := func(name string, fail bool) (func(context.Context) error, func(context.Context) error) {
		return func(context.Context) error {
				if fail {
					return errors.New(name + " broke")
				}
				order = append(order, name)
				return nil
			}, func(context.Context) error {
				order = append(order, "undo "+name)
				return nil
			}
	}

	s := newSaga(outreachtest.Logger())
	do, undo := step("a", false)
	s.add("a", do, undo)
	do, _ = step("b", false)
	s.add("b", do, nil)
	do, undo = step("c", false)
	s.add("c", do, undo)
	do, undo = step("d", true)
	s.add("d", do, undo)

	err := s.execute(context.Background())
	require.ErrorContains(t, err, "d broke")
	require.ErrorContains(t, err, "compensated 2 steps")
	require.Equal(t, []string{"a", "b", "c", "undo c", "undo a"}, order)
}
