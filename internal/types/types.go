// Package types defines core data structures for the outreach engine.
package types

import (
	"time"

	"github.com/daviddao/outreach/internal/stage"
)

// OutreachRecord is the tracked state of outreach to a single contact.
type OutreachRecord struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	ContactEmail string `json:"contactEmail"`
	ContactName  string `json:"contactName,omitempty"`
	Subject      string `json:"subject,omitempty"`

	ThreadID         string `json:"threadId,omitempty"`
	DraftID          string `json:"draftId,omitempty"`
	DraftURL         string `json:"draftReferenceUrl,omitempty"`
	DraftMessageID   string `json:"draftMessageId,omitempty"`
	DraftStillExists bool   `json:"draftStillExists"`

	Stage              stage.Stage `json:"stage"`
	ThreadStatus       string      `json:"threadStatus,omitempty"`
	LastMessageSnippet string      `json:"lastMessageSnippet,omitempty"`
	LastActivityAt     time.Time   `json:"lastActivityAt,omitzero"`
	HasUnreadReply     bool        `json:"hasUnreadReply"`
	LastOpenedAt       time.Time   `json:"lastOpenedAt,omitzero"`

	SuggestedReply string `json:"suggestedReply,omitempty"`
	ReplyType      string `json:"replyType,omitempty"`

	EmailSentAt        time.Time `json:"emailSentAt,omitzero"`
	RepliedAt          time.Time `json:"repliedAt,omitzero"`
	MeetingScheduledAt time.Time `json:"meetingScheduledAt,omitzero"`
	ConnectedAt        time.Time `json:"connectedAt,omitzero"`

	LastSyncAt       time.Time  `json:"lastSyncAt,omitzero"`
	LastThreadSyncAt time.Time  `json:"lastThreadSyncAt,omitzero"`
	LastSyncError    *SyncError `json:"lastSyncError,omitempty"`

	// DuplicateOf is computed when listing and never persisted.
	DuplicateOf string `json:"duplicateOf,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Clone returns a copy that shares no pointers with r.
func (r *OutreachRecord) Clone() *OutreachRecord {
	c := *r
	if r.LastSyncError != nil {
		e := *r.LastSyncError
		c.LastSyncError = &e
	}
	return &c
}

// DraftPending reports whether the record has a draft that has not yet been
// observed as sent or deleted.
func (r *OutreachRecord) DraftPending() bool {
	return r.DraftID != "" && r.DraftStillExists
}

// ActivityAt is the time used to rank records for recency.
func (r *OutreachRecord) ActivityAt() time.Time {
	t := r.CreatedAt
	if r.EmailSentAt.After(t) {
		t = r.EmailSentAt
	}
	if r.LastActivityAt.After(t) {
		t = r.LastActivityAt
	}
	return t
}

// ApplyStamps writes the timestamps requested by a stage transition.
func (r *OutreachRecord) ApplyStamps(tr stage.Transition) {
	for s, at := range tr.Stamps {
		var field *time.Time
		switch s {
		case stage.StampEmailSent:
			field = &r.EmailSentAt
		case stage.StampReplied:
			field = &r.RepliedAt
		case stage.StampMeetingScheduled:
			field = &r.MeetingScheduledAt
		case stage.StampConnected:
			field = &r.ConnectedAt
		default:
			continue
		}
		if field.IsZero() || tr.Overwrite {
			*field = at.UTC()
		}
	}
	r.Stage = tr.To
}

// Thread status values shown alongside a record.
const (
	ThreadNoReply       = "no reply yet"
	ThreadWaitingOnThem = "waiting on them"
	ThreadNewReply      = "new reply"
	ThreadWaitingOnYou  = "waiting on you"
	ThreadClosed        = "closed"
)

// Reply type tags produced by reply generation.
const (
	ReplyPositive = "positive"
	ReplyReferral = "referral"
	ReplyDelay    = "delay"
	ReplyDecline  = "decline"
	ReplyQuestion = "question"
	ReplyOther    = "other"
)

// ValidReplyTypes is the set of allowed reply type values.
var ValidReplyTypes = []string{
	ReplyPositive, ReplyReferral, ReplyDelay, ReplyDecline, ReplyQuestion, ReplyOther,
}

// ReplyRequest is the context handed to the reply generator.
type ReplyRequest struct {
	ContactName    string
	ContactEmail   string
	Subject        string
	ContactMessage string
	UserEmail      string
}

// ReplySuggestion is what the reply generator returns.
type ReplySuggestion struct {
	Body      string `json:"body"`
	ReplyType string `json:"replyType"`
}

// User is the owner of a mailbox and a set of outreach records.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	HistoryID       uint64    `json:"historyId"`
	Credits         int64     `json:"credits"`
	WatchExpiration time.Time `json:"watchExpiration,omitzero"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RefreshResult is the per-record outcome of a batch refresh.
type RefreshResult struct {
	ContactID string       `json:"contactId"`
	Synced    bool         `json:"synced"`
	Stage     *stage.Stage `json:"stage,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorCode string       `json:"errorCode,omitempty"`
}

// Sort orders for listing.
const (
	SortActivity = "activity"
	SortSent     = "sent"
)

// ListOptions filters and pages a record listing.
type ListOptions struct {
	Stages []stage.Stage
	Sort   string
	Limit  int
	Offset int
}

// ListPage is one page of records.
type ListPage struct {
	Records    []*OutreachRecord `json:"records"`
	Total      int               `json:"total"`
	Duplicates int               `json:"duplicates"`
	NextOffset int               `json:"nextOffset,omitempty"`
}

// Stats aggregates a user's outreach pipeline.
type Stats struct {
	ByStage            map[string]int `json:"byStage"`
	Total              int            `json:"total"`
	Sent               int            `json:"sent"`
	Replied            int            `json:"replied"`
	Meetings           int            `json:"meetings"`
	ReplyRate          float64        `json:"replyRate"`
	MeetingRate        float64        `json:"meetingRate"`
	AvgResponseSeconds float64        `json:"avgResponseSeconds"`
	SentThisWeek       int            `json:"sentThisWeek"`
	SentLastWeek       int            `json:"sentLastWeek"`
	RepliesThisWeek    int            `json:"repliesThisWeek"`
	RepliesLastWeek    int            `json:"repliesLastWeek"`
	SentWeeklyDelta    int            `json:"sentWeeklyDelta"`
	RepliesWeeklyDelta int            `json:"repliesWeeklyDelta"`
	DuplicatesExcluded int            `json:"duplicatesExcluded"`
}

// ChangeNotifier is told about every record mutation.
type ChangeNotifier interface {
	RecordChanged(rec *OutreachRecord)
}

// NopNotifier discards change notifications.
type NopNotifier struct{}

func (NopNotifier) RecordChanged(*OutreachRecord) {}
