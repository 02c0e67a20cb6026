// Package display provides terminal formatting for outreach output.
package display

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	DraftStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	SentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2563eb"))
	RepliedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	MeetingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7c3aed"))
	DeadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

// labelWidth fits the longest stage label.
const labelWidth = 11

func stageStyle(s stage.Stage) lipgloss.Style {
	switch s {
	case stage.DraftCreated:
		return DraftStyle
	case stage.EmailSent, stage.WaitingOnReply:
		return SentStyle
	case stage.Replied:
		return RepliedStyle
	case stage.MeetingScheduled, stage.Connected:
		return MeetingStyle
	default:
		return DeadStyle
	}
}

// StageDot returns a colored dot for a stage. Filled dots mark stages that
// need the user's attention.
func StageDot(s stage.Stage) string {
	switch s {
	case stage.Replied:
		return RepliedStyle.Render("●")
	case stage.MeetingScheduled, stage.Connected:
		return MeetingStyle.Render("●")
	case stage.DraftCreated:
		return DraftStyle.Render("◌")
	case stage.EmailSent, stage.WaitingOnReply:
		return SentStyle.Render("○")
	default:
		return DeadStyle.Render("·")
	}
}

// StageLabel returns a padded, styled stage label.
func StageLabel(s stage.Stage) string {
	return stageStyle(s).Render(fmt.Sprintf("%-*s", labelWidth, s.Label()))
}

// ContactLabel is the contact's name, falling back to the address.
func ContactLabel(r *types.OutreachRecord) string {
	if r.ContactName != "" {
		return r.ContactName
	}
	return r.ContactEmail
}

// TimeAgo formats t relative to now.
func TimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

// Truncate shortens a string to maxLen runes, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, Success.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// ErrorMsg prints a red X + message.
func ErrorMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, ErrStyle.Render("✗")+" "+fmt.Sprintf(format, args...))
}

// Header prints a section header.
func Header(w io.Writer, title string) {
	fmt.Fprintln(w, Bold.Render(title))
}

// RecordLine renders one record as a list row.
func RecordLine(r *types.OutreachRecord, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-28s", StageDot(r.Stage), StageLabel(r.Stage),
		Truncate(ContactLabel(r), 28))

	if r.HasUnreadReply {
		b.WriteString(" " + RepliedStyle.Render("new"))
	}
	if r.DuplicateOf != "" {
		b.WriteString(" " + Dim.Render("dup of "+r.DuplicateOf))
	}
	if r.LastSyncError != nil {
		b.WriteString(" " + Warn.Render("⚠ "+r.LastSyncError.Code))
	}
	if ago := TimeAgo(r.ActivityAt(), now); ago != "" {
		b.WriteString("  " + Dim.Render(ago))
	}
	b.WriteString("  " + Muted.Render(r.ID))
	return b.String()
}

// RecordDetail prints the full state of a record.
func RecordDetail(w io.Writer, r *types.OutreachRecord, now time.Time) {
	fmt.Fprintf(w, "%s %s\n", StageDot(r.Stage), Bold.Render(ContactLabel(r)))
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "  %-14s %s\n", Muted.Render(name+":"), value)
		}
	}
	stamp := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(time.RFC3339) + " " + Dim.Render("("+TimeAgo(t, now)+")")
	}

	field("id", r.ID)
	field("email", r.ContactEmail)
	field("subject", r.Subject)
	field("stage", StageLabel(r.Stage))
	field("status", r.ThreadStatus)
	field("thread", r.ThreadID)
	if r.DraftID != "" {
		state := "deleted or sent"
		if r.DraftStillExists {
			state = "pending"
		}
		field("draft", r.DraftID+" "+Dim.Render("("+state+")"))
	}
	field("draft url", r.DraftURL)
	field("sent", stamp(r.EmailSentAt))
	field("replied", stamp(r.RepliedAt))
	field("meeting", stamp(r.MeetingScheduledAt))
	field("connected", stamp(r.ConnectedAt))
	field("last sync", stamp(r.LastSyncAt))
	if r.LastSyncError != nil {
		field("sync error", ErrStyle.Render(r.LastSyncError.Code)+" "+r.LastSyncError.Message)
	}
	if r.LastMessageSnippet != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s %s\n", Muted.Render("│"), Truncate(r.LastMessageSnippet, 100))
	}
	if r.SuggestedReply != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s\n", Muted.Render("Suggested reply ("+r.ReplyType+")"))
		for _, line := range strings.Split(strings.TrimSpace(r.SuggestedReply), "\n") {
			fmt.Fprintf(w, "  %s %s\n", Muted.Render("│"), line)
		}
	}
}
