// Package gmail adapts the Gmail API to the operations the outreach engine
// needs: draft existence, thread and message metadata, draft creation,
// sent-mail lookup and incremental history.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/daviddao/outreach/internal/types"
	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// ErrHistoryExpired is returned by History when the start pointer is older
// than the provider retains.
var ErrHistoryExpired = errors.New("history pointer expired")

var metadataHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "References"}

// Message is the metadata of one provider message.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	MessageID  string    `json:"messageId,omitempty"`
	References string    `json:"references,omitempty"`
	From       string    `json:"from"`
	To         []string  `json:"to,omitempty"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	At         time.Time `json:"at"`
	Labels     []string  `json:"labels,omitempty"`
}

// Sent reports whether the message carries the SENT label.
func (m *Message) Sent() bool {
	return slices.Contains(m.Labels, "SENT")
}

// IsDraft reports whether the message is an unsent draft.
func (m *Message) IsDraft() bool {
	return slices.Contains(m.Labels, "DRAFT")
}

// FromSelf reports whether the message was written by the mailbox owner.
func (m *Message) FromSelf(self string) bool {
	if m.Sent() {
		return true
	}
	return self != "" && NormalizeAddress(m.From) == NormalizeAddress(self)
}

// Draft identifies a created draft.
type Draft struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId,omitempty"`
	URL       string `json:"url"`
}

// DraftInput describes a draft to create. ThreadID and InReplyTo are set
// for replies.
type DraftInput struct {
	ThreadID   string
	To         string
	Subject    string
	Body       string
	HTMLBody   string
	InReplyTo  string
	References string
}

// HistoryPage is the set of messages added since a history pointer.
type HistoryPage struct {
	MessageIDs []string
	HistoryID  uint64
}

// Mailbox is one user's view of the mail provider.
type Mailbox interface {
	// Address is the mailbox owner's address.
	Address() string

	DraftExists(ctx context.Context, draftID string) (bool, error)
	LatestThreadMessage(ctx context.Context, threadID string) (*Message, error)
	MessageMeta(ctx context.Context, messageID string) (*Message, error)
	MessageBody(ctx context.Context, messageID string) (string, error)
	CreateDraft(ctx context.Context, in DraftInput) (*Draft, error)

	// FindSentThread returns the newest sent message to the recipient
	// with the given subject, or types.ErrNotFound.
	FindSentThread(ctx context.Context, to, subject string) (*Message, error)

	History(ctx context.Context, startHistoryID uint64) (*HistoryPage, error)
}

// Connector opens a user's mailbox. It returns types.ErrNotConnected when
// the user has no usable credential.
type Connector interface {
	Connect(ctx context.Context, userID string) (Mailbox, error)
}

// Client implements Mailbox over the Gmail API.
type Client struct {
	svc  *gm.Service
	self string
}

var _ Mailbox = (*Client)(nil)

// NewClient wraps an authenticated Gmail service for the mailbox at self.
func NewClient(svc *gm.Service, self string) *Client {
	return &Client{svc: svc, self: self}
}

func (c *Client) Address() string {
	return c.self
}

// DraftExists reports whether the draft is still present.
func (c *Client) DraftExists(ctx context.Context, draftID string) (bool, error) {
	_, err := c.svc.Users.Drafts.Get("me", draftID).
		Format("minimal").
		Context(ctx).
		Do()
	if err == nil {
		return true, nil
	}
	if isStatus(err, 404) {
		return false, nil
	}
	return false, classify("get draft "+draftID, err)
}

// LatestThreadMessage returns the newest message in a thread. Drafts are
// not part of the conversation and are skipped.
func (c *Client) LatestThreadMessage(ctx context.Context, threadID string) (*Message, error) {
	thread, err := c.svc.Users.Threads.Get("me", threadID).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("get thread "+threadID, err)
	}

	var latest *gm.Message
	for _, m := range thread.Messages {
		if slices.Contains(m.LabelIds, "DRAFT") {
			continue
		}
		if latest == nil || m.InternalDate >= latest.InternalDate {
			latest = m
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("thread %s has no messages: %w", threadID, types.ErrNotFound)
	}
	return toMessage(latest), nil
}

// MessageMeta fetches headers and labels for one message.
func (c *Client) MessageMeta(ctx context.Context, messageID string) (*Message, error) {
	msg, err := c.svc.Users.Messages.Get("me", messageID).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("get message "+messageID, err)
	}
	return toMessage(msg), nil
}

// MessageBody fetches and decodes the plain-text body of a message.
func (c *Client) MessageBody(ctx context.Context, messageID string) (string, error) {
	msg, err := c.svc.Users.Messages.Get("me", messageID).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("get message "+messageID, err)
	}
	if msg.Payload == nil {
		return msg.Snippet, nil
	}
	return extractBody(msg.Payload), nil
}

// FindSentThread searches sent mail by recipient and subject.
func (c *Client) FindSentThread(ctx context.Context, to, subject string) (*Message, error) {
	query := "in:sent to:" + NormalizeAddress(to)
	if s := strings.TrimSpace(subject); s != "" {
		query += fmt.Sprintf(" subject:%q", s)
	}

	resp, err := c.svc.Users.Messages.List("me").
		Q(query).
		MaxResults(5).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("search sent", err)
	}
	if len(resp.Messages) == 0 {
		return nil, fmt.Errorf("sent message to %s: %w", to, types.ErrNotFound)
	}

	// Results are newest first.
	return c.MessageMeta(ctx, resp.Messages[0].Id)
}

// History lists messages added since startHistoryID.
func (c *Client) History(ctx context.Context, startHistoryID uint64) (*HistoryPage, error) {
	page := &HistoryPage{HistoryID: startHistoryID}
	seen := make(map[string]bool)

	err := c.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		Pages(ctx, func(resp *gm.ListHistoryResponse) error {
			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil || seen[added.Message.Id] {
						continue
					}
					seen[added.Message.Id] = true
					page.MessageIDs = append(page.MessageIDs, added.Message.Id)
				}
			}
			if resp.HistoryId > page.HistoryID {
				page.HistoryID = resp.HistoryId
			}
			return nil
		})
	if err != nil {
		if isStatus(err, 404) {
			return nil, fmt.Errorf("history since %d: %w", startHistoryID, ErrHistoryExpired)
		}
		return nil, classify("list history", err)
	}
	return page, nil
}

// Watch subscribes the mailbox to push notifications on a Pub/Sub topic.
func (c *Client) Watch(ctx context.Context, topic string) (uint64, time.Time, error) {
	resp, err := c.svc.Users.Watch("me", &gm.WatchRequest{
		TopicName:           topic,
		LabelIds:            []string{"INBOX", "SENT"},
		LabelFilterBehavior: "include",
	}).Context(ctx).Do()
	if err != nil {
		return 0, time.Time{}, classify("watch", err)
	}
	return resp.HistoryId, time.UnixMilli(resp.Expiration).UTC(), nil
}

// Profile returns the mailbox address and current history pointer.
func (c *Client) Profile(ctx context.Context) (string, uint64, error) {
	p, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", 0, classify("get profile", err)
	}
	return p.EmailAddress, p.HistoryId, nil
}

func toMessage(msg *gm.Message) *Message {
	m := &Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		At:       time.UnixMilli(msg.InternalDate).UTC(),
		Labels:   msg.LabelIds,
	}
	if msg.Payload != nil {
		headers := headerMap(msg.Payload.Headers)
		m.From = headers["From"]
		m.To = AddressList(headers["To"])
		m.Subject = defaultStr(headers["Subject"], "(no subject)")
		m.MessageID = headers["Message-Id"]
		m.References = headers["References"]
	}
	return m
}

// classify wraps a provider error with the engine's sentinel for its kind.
func classify(op string, err error) error {
	var sentinel error
	var gerr *googleapi.Error
	var rerr *oauth2.RetrieveError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = types.ErrProviderTimeout
	case errors.As(err, &rerr):
		sentinel = types.ErrNotConnected
	case errors.As(err, &gerr):
		switch {
		case gerr.Code == 404:
			sentinel = types.ErrNotFound
		case gerr.Code == 401:
			sentinel = types.ErrNotConnected
		case gerr.Code == 429 || hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded"):
			sentinel = types.ErrRateLimited
		case gerr.Code == 403:
			sentinel = types.ErrNotConnected
		default:
			sentinel = types.ErrProvider
		}
	default:
		sentinel = types.ErrProvider
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, err)
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		if slices.Contains(reasons, item.Reason) {
			return true
		}
	}
	return false
}
