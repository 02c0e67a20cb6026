package main

import (
	"fmt"
	"time"

	"github.com/daviddao/outreach/internal/display"
	"github.com/daviddao/outreach/internal/types"
	"github.com/spf13/cobra"
)

var refreshMax int

var syncCmd = &cobra.Command{
	Use:   "sync RECORD_ID",
	Short: "Sync one record with Gmail and mark it opened",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		eng, err := newEngine(nil)
		if err != nil {
			return err
		}
		defer eng.close()

		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		rec, synced, err := eng.pipeline.Open(ctx, userID, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, struct {
				Record *types.OutreachRecord `json:"record"`
				Synced bool                  `json:"synced"`
			}{rec, synced})
		}

		out := cmd.OutOrStdout()
		display.RecordDetail(out, rec, time.Now())
		if !quietFlag && !synced && rec.LastSyncError == nil {
			fmt.Fprintln(out)
			fmt.Fprintln(out, display.Dim.Render("  (synced recently, showing stored state)"))
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [RECORD_ID...]",
	Short: "Sync stale active records, or the named ones",
	Long: `Refresh active records (email_sent, waiting_on_reply, replied) with a
thread, least recently synced first. Naming records refreshes exactly those,
at most 10. Calls are paced to stay inside the Gmail rate budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		eng, err := newEngine(nil)
		if err != nil {
			return err
		}
		defer eng.close()

		var results []types.RefreshResult
		if len(args) > 0 {
			results, err = eng.scheduler.RefreshIDs(cmd.Context(), userID, args)
		} else {
			results, err = eng.scheduler.RefreshStale(cmd.Context(), userID, refreshMax)
		}
		if jsonOutput {
			if perr := printJSON(cmd, results); perr != nil {
				return perr
			}
			return err
		}

		out := cmd.OutOrStdout()
		synced := 0
		for _, r := range results {
			switch {
			case r.Error != "":
				display.ErrorMsg(out, "%s %s", r.ContactID, display.Dim.Render(r.ErrorCode+": "+r.Error))
			case r.Synced:
				synced++
				label := ""
				if r.Stage != nil {
					label = display.StageLabel(*r.Stage)
				}
				display.SuccessMsg(out, "%s %s", r.ContactID, label)
			default:
				fmt.Fprintf(out, "  %s %s\n", r.ContactID, display.Dim.Render("(up to date)"))
			}
		}
		if !quietFlag {
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Refreshed %d of %d records.\n", synced, len(results))
		}
		return err
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply RECORD_ID",
	Short: "Draft an AI reply to the contact's latest message",
	Long: `Generate a reply to the contact's latest message and save it as a Gmail
draft in the same thread. Costs credits; they are refunded if no draft is
created.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		eng, err := newEngine(nil)
		if err != nil {
			return err
		}
		defer eng.close()

		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		res, err := eng.replies.Generate(ctx, userID, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, res)
		}

		out := cmd.OutOrStdout()
		display.SuccessMsg(out, "Draft %s created (%d credits)", res.Draft.ID, res.Cost)
		if res.Draft.URL != "" {
			fmt.Fprintf(out, "  %s\n", display.Dim.Render(res.Draft.URL))
		}
		fmt.Fprintln(out)
		display.RecordDetail(out, res.Record, time.Now())
		return nil
	},
}

func init() {
	refreshCmd.Flags().IntVarP(&refreshMax, "max", "n", 0, "Maximum records to refresh (default: sync.batch_max)")

	rootCmd.AddCommand(syncCmd, refreshCmd, replyCmd)
}
