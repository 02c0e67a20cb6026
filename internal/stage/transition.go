package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrUnknownStage is returned when a stage name or value is not part
	// of the lifecycle.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrUnknownEvent is returned by Apply for an event type it does not
	// handle.
	ErrUnknownEvent = errors.New("unknown stage event")
)

// Event is something that can move a record between stages. The set of
// events is closed.
type Event interface {
	eventSealed()
}

// DraftSent is observed when the pending draft no longer exists and the
// thread it was sent into is known.
type DraftSent struct {
	ThreadID string
	SentAt   time.Time
}

// ReplyReceived is observed when the latest thread message is from the
// contact.
type ReplyReceived struct {
	At time.Time
}

// ReplyDrafted is emitted when a new reply draft was created for the
// record, looping it back toward the next outbound message.
type ReplyDrafted struct{}

// ManualOverride is an operator-issued stage change. It is always legal.
type ManualOverride struct {
	Target Stage

	// At stamps the timestamp field associated with Target, if any.
	// When None, the transition time is used.
	At fn.Option[time.Time]
}

func (DraftSent) eventSealed()      {}
func (ReplyReceived) eventSealed()  {}
func (ReplyDrafted) eventSealed()   {}
func (ManualOverride) eventSealed() {}

// Stamp names a record timestamp a transition wants set.
type Stamp uint8

const (
	StampEmailSent Stamp = iota
	StampReplied
	StampMeetingScheduled
	StampConnected
)

func (s Stamp) String() string {
	switch s {
	case StampEmailSent:
		return "email_sent_at"
	case StampReplied:
		return "replied_at"
	case StampMeetingScheduled:
		return "meeting_scheduled_at"
	case StampConnected:
		return "connected_at"
	default:
		return fmt.Sprintf("stamp(%d)", uint8(s))
	}
}

// Transition is the result of applying an event.
type Transition struct {
	From    Stage
	To      Stage
	Changed bool

	// Stamps lists timestamps to set. Automatic stamps only fill an unset
	// field; Overwrite is true for manual overrides.
	Stamps    map[Stamp]time.Time
	Overwrite bool
}

func noop(current Stage) Transition {
	return Transition{From: current, To: current}
}

// Apply computes the transition for event from current. It never mutates
// anything; callers write the result back. Automatic events are monotonic:
// they never move a record to a lower rank and never leave a terminal stage.
func Apply(current Stage, event Event, now time.Time) (Transition, error) {
	if !current.Valid() {
		return Transition{}, fmt.Errorf("%w: %d", ErrUnknownStage, uint8(current))
	}

	switch e := event.(type) {
	case DraftSent:
		// Only the draft states move forward on a send. A send observed
		// after the contact already replied is stale.
		if current != DraftCreated && current != EmailSent {
			return noop(current), nil
		}
		at := e.SentAt
		if at.IsZero() {
			at = now
		}
		return Transition{
			From:    current,
			To:      WaitingOnReply,
			Changed: true,
			Stamps:  map[Stamp]time.Time{StampEmailSent: at},
		}, nil

	case ReplyReceived:
		if current.Terminal() {
			return noop(current), nil
		}
		at := e.At
		if at.IsZero() {
			at = now
		}
		return Transition{
			From:    current,
			To:      Replied,
			Changed: current != Replied,
			Stamps:  map[Stamp]time.Time{StampReplied: at},
		}, nil

	case ReplyDrafted:
		if current.Terminal() || current == DraftCreated {
			return noop(current), nil
		}
		return Transition{From: current, To: DraftCreated, Changed: true}, nil

	case ManualOverride:
		if !e.Target.Valid() {
			return Transition{}, fmt.Errorf("%w: %d", ErrUnknownStage, uint8(e.Target))
		}
		t := Transition{
			From:      current,
			To:        e.Target,
			Changed:   current != e.Target,
			Overwrite: true,
		}
		at := e.At.UnwrapOr(now)
		switch e.Target {
		case MeetingScheduled:
			t.Stamps = map[Stamp]time.Time{StampMeetingScheduled: at}
		case Connected:
			t.Stamps = map[Stamp]time.Time{StampConnected: at}
		case EmailSent, WaitingOnReply:
			// Send time is only rewritten when given explicitly.
			if e.At.IsSome() {
				t.Stamps = map[Stamp]time.Time{StampEmailSent: at}
			}
		}
		return t, nil

	default:
		return Transition{}, fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
}
