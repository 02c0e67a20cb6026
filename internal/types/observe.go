package types

import (
	"time"

	"github.com/daviddao/outreach/internal/stage"
)

// ObserveSent records that the pending draft left the drafts folder into
// threadID. A known thread is never replaced. Without any thread nothing
// changes, so a later sync can retry the lookup.
func (r *OutreachRecord) ObserveSent(threadID string, sentAt, now time.Time) (stage.Transition, error) {
	if r.ThreadID == "" {
		r.ThreadID = threadID
	}
	if r.ThreadID == "" {
		return stage.Transition{From: r.Stage, To: r.Stage}, nil
	}
	r.DraftStillExists = false

	tr, err := stage.Apply(r.Stage, stage.DraftSent{ThreadID: r.ThreadID, SentAt: sentAt}, now)
	if err != nil {
		return tr, err
	}
	r.ApplyStamps(tr)
	if r.ThreadStatus == "" {
		r.ThreadStatus = ThreadNoReply
	}
	return tr, nil
}

// ObserveMessage folds a thread message into r. A message from the contact
// moves the record to replied. Snippet, activity and status only follow
// messages at least as new as the last one seen, so out-of-order delivery
// cannot roll them back. The unread flag is only ever set here.
func (r *OutreachRecord) ObserveMessage(at time.Time, snippet string,
	fromContact bool, now time.Time) (stage.Transition, error) {

	tr := stage.Transition{From: r.Stage, To: r.Stage}
	if fromContact {
		var err error
		tr, err = stage.Apply(r.Stage, stage.ReplyReceived{At: at}, now)
		if err != nil {
			return tr, err
		}
		r.ApplyStamps(tr)
	}

	if at.Before(r.LastActivityAt) {
		return tr, nil
	}
	r.LastActivityAt = at
	r.LastMessageSnippet = snippet
	if fromContact && at.After(r.LastOpenedAt) {
		r.HasUnreadReply = true
	}
	r.ThreadStatus = r.threadStatus(fromContact)
	return tr, nil
}

// MarkOpened records that the user looked at the record.
func (r *OutreachRecord) MarkOpened(now time.Time) {
	r.LastOpenedAt = now
	r.HasUnreadReply = false
	if r.ThreadStatus == ThreadNewReply {
		r.ThreadStatus = ThreadWaitingOnYou
	}
}

func (r *OutreachRecord) threadStatus(lastFromContact bool) string {
	switch {
	case r.Stage.Terminal():
		return ThreadClosed
	case lastFromContact && r.HasUnreadReply:
		return ThreadNewReply
	case lastFromContact:
		return ThreadWaitingOnYou
	case !r.RepliedAt.IsZero():
		return ThreadWaitingOnThem
	default:
		return ThreadNoReply
	}
}
