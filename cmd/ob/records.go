package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/outreach/internal/display"
	"github.com/daviddao/outreach/internal/pipeline"
	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/spf13/cobra"
)

var (
	listStages []string
	listSort   string
	listLimit  int
	listOffset int

	stageAt string

	addName    string
	addSubject string
	addDraft   string
)

// recordsOnly builds a pipeline service that never reaches the provider.
func recordsOnly() *pipeline.Service {
	return pipeline.NewService(store, nil, nil, logging.Logger)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List outreach records",
	Example: `  ob list -u u1
  ob list -u u1 --stage replied,waiting_on_reply --sort sent`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}

		opts := types.ListOptions{Sort: listSort, Limit: listLimit, Offset: listOffset}
		for _, name := range listStages {
			s, err := stage.Parse(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			opts.Stages = append(opts.Stages, s)
		}

		page, err := recordsOnly().List(cmd.Context(), userID, opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, page)
		}

		out := cmd.OutOrStdout()
		if len(page.Records) == 0 {
			fmt.Fprintln(out, "No outreach records.")
			return nil
		}
		now := time.Now()
		for _, r := range page.Records {
			fmt.Fprintln(out, display.RecordLine(r, now))
		}
		if !quietFlag {
			fmt.Fprintln(out)
			summary := fmt.Sprintf("%d of %d records", len(page.Records), page.Total)
			if page.Duplicates > 0 {
				summary += fmt.Sprintf(", %d flagged duplicate", page.Duplicates)
			}
			if page.NextOffset > 0 {
				summary += fmt.Sprintf(" (next: --offset %d)", page.NextOffset)
			}
			fmt.Fprintln(out, display.Dim.Render(summary))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show RECORD_ID",
	Short: "Display a record without syncing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		rec, err := store.GetRecord(cmd.Context(), userID, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, rec)
		}
		display.RecordDetail(cmd.OutOrStdout(), rec, time.Now())
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		st, err := recordsOnly().Stats(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, st)
		}

		out := cmd.OutOrStdout()
		display.Header(out, "Outreach Statistics")
		fmt.Fprintln(out)

		fmt.Fprintln(out, "  Stages")
		for _, s := range stage.All() {
			if n := st.ByStage[s.String()]; n > 0 {
				fmt.Fprintf(out, "    %s %s %4d\n", display.StageDot(s), display.StageLabel(s), n)
			}
		}
		fmt.Fprintln(out)

		fmt.Fprintf(out, "  Sent        %4d   %s\n", st.Sent,
			display.Dim.Render(weekly(st.SentThisWeek, st.SentWeeklyDelta)))
		fmt.Fprintf(out, "  Replied     %4d   %s\n", st.Replied,
			display.Dim.Render(weekly(st.RepliesThisWeek, st.RepliesWeeklyDelta)))
		fmt.Fprintf(out, "  Meetings    %4d\n", st.Meetings)
		fmt.Fprintf(out, "  Reply rate  %5.1f%%\n", st.ReplyRate*100)
		fmt.Fprintf(out, "  Meet rate   %5.1f%%\n", st.MeetingRate*100)
		if st.AvgResponseSeconds > 0 {
			avg := time.Duration(st.AvgResponseSeconds * float64(time.Second))
			fmt.Fprintf(out, "  Avg reply   %s\n", avg.Round(time.Hour))
		}
		if st.DuplicatesExcluded > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, display.Dim.Render(fmt.Sprintf(
				"  %d duplicate records excluded", st.DuplicatesExcluded)))
		}
		return nil
	},
}

func weekly(thisWeek, delta int) string {
	return fmt.Sprintf("(%d this week, %+d vs last)", thisWeek, delta)
}

var stageCmd = &cobra.Command{
	Use:   "stage RECORD_ID STAGE",
	Short: "Set a record's stage manually",
	Long: `Set a record's stage by hand. Stages: draft_created, email_sent,
waiting_on_reply, replied, meeting_scheduled, connected, no_response,
bounced, closed.`,
	Example: `  ob stage -u u1 c1 meeting_scheduled --at 2026-03-04T15:00:00Z`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		target, err := stage.Parse(args[1])
		if err != nil {
			return err
		}

		at := fn.None[time.Time]()
		if stageAt != "" {
			t, err := time.Parse(time.RFC3339, stageAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			at = fn.Some(t)
		}

		rec, err := recordsOnly().SetStage(cmd.Context(), userID, args[0], target, at)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, rec)
		}
		if !quietFlag {
			display.SuccessMsg(cmd.OutOrStdout(), "%s is now %s", display.ContactLabel(rec),
				display.StageLabel(rec.Stage))
		}
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Track a new outreach record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		if _, err := store.GetUser(cmd.Context(), userID); err != nil {
			return err
		}

		rec := &types.OutreachRecord{
			ID:           uuid.NewString(),
			UserID:       userID,
			ContactEmail: args[0],
			ContactName:  addName,
			Subject:      addSubject,
			DraftID:      addDraft,
			Stage:        stage.DraftCreated,
		}
		if addDraft != "" {
			rec.DraftStillExists = true
			rec.ThreadStatus = types.ThreadNoReply
		}
		if err := store.InsertRecord(cmd.Context(), rec); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, rec)
		}
		fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
		return nil
	},
}

// withTimeout bounds a one-shot command.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 2*time.Minute)
}

func init() {
	listCmd.Flags().StringSliceVar(&listStages, "stage", nil, "Filter by stage (comma-separated)")
	listCmd.Flags().StringVar(&listSort, "sort", types.SortActivity, "Sort by activity or sent")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", pipeline.DefaultPageSize, "Page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Records to skip")

	stageCmd.Flags().StringVar(&stageAt, "at", "", "Timestamp for the stage (RFC 3339)")

	addCmd.Flags().StringVar(&addName, "name", "", "Contact name")
	addCmd.Flags().StringVar(&addSubject, "subject", "", "Email subject")
	addCmd.Flags().StringVar(&addDraft, "draft", "", "Gmail draft id")

	rootCmd.AddCommand(listCmd, showCmd, statsCmd, stageCmd, addCmd)
}
