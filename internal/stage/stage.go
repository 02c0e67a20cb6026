// Package stage defines the outreach lifecycle stages and the transition
// rules between them.
package stage

import (
	"fmt"
)

// Stage is a record's position in the outreach lifecycle.
type Stage uint8

const (
	DraftCreated Stage = iota
	EmailSent
	WaitingOnReply
	Replied
	MeetingScheduled
	Connected
	NoResponse
	Bounced
	Closed

	numStages
)

// stageInfo describes one stage. Every Stage value must have an entry in
// stageTable; the array length makes a missing entry a compile error.
type stageInfo struct {
	name     string
	label    string
	rank     int
	terminal bool
}

var stageTable = [numStages]stageInfo{
	DraftCreated:     {name: "draft_created", label: "Draft", rank: 0},
	EmailSent:        {name: "email_sent", label: "Sent", rank: 1},
	WaitingOnReply:   {name: "waiting_on_reply", label: "Waiting", rank: 2},
	Replied:          {name: "replied", label: "Replied", rank: 3},
	MeetingScheduled: {name: "meeting_scheduled", label: "Meeting", rank: 4, terminal: true},
	Connected:        {name: "connected", label: "Connected", rank: 4, terminal: true},
	NoResponse:       {name: "no_response", label: "No response", rank: 4, terminal: true},
	Bounced:          {name: "bounced", label: "Bounced", rank: 4, terminal: true},
	Closed:           {name: "closed", label: "Closed", rank: 4, terminal: true},
}

// All returns every stage in lifecycle order.
func All() []Stage {
	out := make([]Stage, 0, numStages)
	for s := Stage(0); s < numStages; s++ {
		out = append(out, s)
	}
	return out
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s < numStages
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
	return stageTable[s].name
}

// Label is the short human-readable name used in terminal output.
func (s Stage) Label() string {
	if !s.Valid() {
		return s.String()
	}
	return stageTable[s].label
}

// Terminal reports whether automatic transitions leave s untouched.
func (s Stage) Terminal() bool {
	return s.Valid() && stageTable[s].terminal
}

// Rank orders stages along the automatic path. Terminal stages share the
// highest rank.
func (s Stage) Rank() int {
	if !s.Valid() {
		return -1
	}
	return stageTable[s].rank
}

// Parse returns the stage with the given wire name.
func Parse(name string) (Stage, error) {
	for s := Stage(0); s < numStages; s++ {
		if stageTable[s].name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStage, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Active is the set of stages eligible for batch refresh.
var Active = []Stage{EmailSent, WaitingOnReply, Replied}

// IsActive reports whether s is in Active.
func (s Stage) IsActive() bool {
	for _, a := range Active {
		if a == s {
			return true
		}
	}
	return false
}
