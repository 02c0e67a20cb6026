// Package reply generates suggested replies to contacts and stores them as
// drafts in the contact's thread. Generation costs credits; any failure
// after the debit refunds them before the error is returned.
package reply

import (
	"bytes"
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
	"github.com/yuin/goldmark"
)

// DefaultCost is the credit price of one generated reply.
const DefaultCost = 10

// Generator writes a reply to the contact's latest message.
type Generator interface {
	GenerateReply(ctx context.Context, req types.ReplyRequest) (*types.ReplySuggestion, error)
}

// DefaultGenerateTimeout bounds one text generation.
const DefaultGenerateTimeout = time.Minute

// Config controls reply generation.
type Config struct {
	Cost            int64         `mapstructure:"cost"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
}

// Result is a generated and stored reply.
type Result struct {
	Record     *types.OutreachRecord  `json:"record"`
	Draft      *gmail.Draft           `json:"draft"`
	Suggestion *types.ReplySuggestion `json:"suggestion"`
	Cost       int64                  `json:"cost"`
}

// Service generates reply drafts.
type Service struct {
	records db.RecordStore
	ledger  db.CreditLedger
	mail    gmail.Connector
	gen     Generator
	notify  types.ChangeNotifier
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func NewService(records db.RecordStore, ledger db.CreditLedger, mail gmail.Connector,
	gen Generator, notify types.ChangeNotifier, cfg Config, log *slog.Logger) *Service {

	if cfg.Cost <= 0 {
		cfg.Cost = DefaultCost
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if notify == nil {
		notify = types.NopNotifier{}
	}
	return &Service{
		records: records,
		ledger:  ledger,
		mail:    mail,
		gen:     gen,
		notify:  notify,
		cfg:     cfg,
		log:     log.With("component", "reply"),
		now:     time.Now,
	}
}

// Generate writes a reply for record id. Preconditions are checked before
// any credit moves: the record has a thread, the mailbox is connected, the
// balance covers the cost and the latest thread message is the contact's.
func (s *Service) Generate(ctx context.Context, userID, id string) (*Result, error) {
	rec, err := s.records.GetRecord(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if rec.ThreadID == "" {
		return nil, fmt.Errorf("reply to %s: %w", id, types.ErrNoThread)
	}

	mb, err := s.mail.Connect(ctx, userID)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < s.cfg.Cost {
		metrics.RecordReply("insufficient_credits")
		return nil, fmt.Errorf("balance %d below %d: %w", balance, s.cfg.Cost,
			types.ErrInsufficientCredits)
	}

	latest, err := gmail.Call(ctx, s.cfg.ProviderTimeout, "latest_message",
		func(ctx context.Context) (*gmail.Message, error) {
			return mb.LatestThreadMessage(ctx, rec.ThreadID)
		})
	if err != nil {
		return nil, err
	}
	if latest.FromSelf(mb.Address()) {
		metrics.RecordReply("last_from_self")
		return nil, fmt.Errorf("reply to %s: %w", id, types.ErrLastMessageFromSelf)
	}

	res := &Result{Cost: s.cfg.Cost}
	reason := "reply:" + id

	tx := newSaga(s.log)
	tx.add("debit credits",
		func(ctx context.Context) error {
			return s.ledger.Debit(ctx, userID, s.cfg.Cost, reason)
		},
		func(ctx context.Context) error {
			if err := s.ledger.Refund(ctx, userID, s.cfg.Cost, reason+":refund"); err != nil {
				return err
			}
			metrics.RecordRefund()
			s.log.Info("credits refunded", "user", userID, "record", id, "amount", s.cfg.Cost)
			return nil
		})

	var message string
	tx.add("read message", func(ctx context.Context) error {
		body, err := gmail.Call(ctx, s.cfg.ProviderTimeout, "message_body",
			func(ctx context.Context) (string, error) {
				return mb.MessageBody(ctx, latest.ID)
			})
		message = body
		return err
	}, nil)

	tx.add("generate reply", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
		defer cancel()

		sugg, err := s.gen.GenerateReply(ctx, types.ReplyRequest{
			ContactName:    rec.ContactName,
			ContactEmail:   rec.ContactEmail,
			Subject:        latest.Subject,
			ContactMessage: message,
			UserEmail:      mb.Address(),
		})
		if err != nil {
			if errors.Is(err, types.ErrGenerationFailed) {
				return err
			}
			return fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
		}
		if err := validateSuggestion(sugg); err != nil {
			return err
		}
		res.Suggestion = sugg
		return nil
	}, nil)

	tx.add("create draft", func(ctx context.Context) error {
		html, err := renderHTML(res.Suggestion.Body)
		if err != nil {
			return err
		}
		subject := latest.Subject
		if subject == "" {
			subject = rec.Subject
		}
		draft, err := gmail.Call(ctx, s.cfg.ProviderTimeout, "create_draft",
			func(ctx context.Context) (*gmail.Draft, error) {
				return mb.CreateDraft(ctx, gmail.DraftInput{
					ThreadID:   rec.ThreadID,
					To:         rec.ContactEmail,
					Subject:    gmail.ReplySubject(subject),
					Body:       res.Suggestion.Body,
					HTMLBody:   html,
					InReplyTo:  latest.MessageID,
					References: latest.References,
				})
			})
		res.Draft = draft
		return err
	}, nil)

	tx.add("update record", func(ctx context.Context) error {
		updated, err := db.Mutate(ctx, s.records, userID, id, func(r *types.OutreachRecord) error {
			return applyDraft(r, res.Draft, res.Suggestion, s.now())
		})
		res.Record = updated
		return err
	}, nil)

	if err := tx.execute(ctx); err != nil {
		metrics.RecordReply("failed")
		s.log.Warn("reply generation failed", "user", userID, "record", id, "err", err)
		return nil, err
	}

	metrics.RecordReply("ok")
	s.log.Info("reply drafted", "user", userID, "record", id,
		"draft", res.Draft.ID, "reply_type", res.Suggestion.ReplyType)
	s.notify.RecordChanged(res.Record.Clone())
	return res, nil
}

// applyDraft points r at the new reply draft.
func applyDraft(r *types.OutreachRecord, d *gmail.Draft, sugg *types.ReplySuggestion,
	now time.Time) error {

	tr, err := stage.Apply(r.Stage, stage.ReplyDrafted{}, now)
	if err != nil {
		return err
	}
	r.ApplyStamps(tr)

	r.SuggestedReply = sugg.Body
	r.ReplyType = sugg.ReplyType
	r.DraftID = d.ID
	r.DraftMessageID = d.MessageID
	r.DraftURL = d.URL
	r.DraftStillExists = true
	if r.ThreadStatus == types.ThreadNewReply {
		r.ThreadStatus = types.ThreadWaitingOnYou
	}
	return nil
}

func renderHTML(body string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("render reply: %w", err)
	}
	return buf.String(), nil
}
