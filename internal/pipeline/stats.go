package pipeline

import (
	"time"

	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
)

const week = 7 * 24 * time.Hour

// ComputeStats aggregates recs as of now, skipping records flagged as
// duplicates.
func ComputeStats(recs []*types.OutreachRecord, now time.Time) *types.Stats {
	st := &types.Stats{ByStage: make(map[string]int)}
	for _, s := range stage.All() {
		st.ByStage[s.String()] = 0
	}

	thisWeek := now.Add(-week)
	lastWeek := now.Add(-2 * week)

	var responseTotal time.Duration
	var responses int
	for _, r := range recs {
		if r.DuplicateOf != "" {
			st.DuplicatesExcluded++
			continue
		}
		st.Total++
		st.ByStage[r.Stage.String()]++

		if r.EmailSentAt.IsZero() {
			continue
		}
		st.Sent++
		if replied(r) {
			st.Replied++
		}
		if r.Stage == stage.MeetingScheduled || r.Stage == stage.Connected {
			st.Meetings++
		}
		if !r.RepliedAt.IsZero() && r.RepliedAt.After(r.EmailSentAt) {
			responseTotal += r.RepliedAt.Sub(r.EmailSentAt)
			responses++
		}

		switch {
		case within(r.EmailSentAt, thisWeek, now):
			st.SentThisWeek++
		case within(r.EmailSentAt, lastWeek, thisWeek):
			st.SentLastWeek++
		}
		switch {
		case within(r.RepliedAt, thisWeek, now):
			st.RepliesThisWeek++
		case within(r.RepliedAt, lastWeek, thisWeek):
			st.RepliesLastWeek++
		}
	}

	if st.Sent > 0 {
		st.ReplyRate = float64(st.Replied) / float64(st.Sent)
		st.MeetingRate = float64(st.Meetings) / float64(st.Sent)
	}
	if responses > 0 {
		st.AvgResponseSeconds = (responseTotal / time.Duration(responses)).Seconds()
	}
	st.SentWeeklyDelta = st.SentThisWeek - st.SentLastWeek
	st.RepliesWeeklyDelta = st.RepliesThisWeek - st.RepliesLastWeek
	return st
}

// replied counts a record as answered once the contact replied, whatever
// happened after.
func replied(r *types.OutreachRecord) bool {
	if !r.RepliedAt.IsZero() {
		return true
	}
	switch r.Stage {
	case stage.Replied, stage.MeetingScheduled, stage.Connected:
		return true
	}
	return false
}

// within reports whether t is in [from, to].
func within(t, from, to time.Time) bool {
	return !t.IsZero() && !t.Before(from) && !t.After(to)
}
