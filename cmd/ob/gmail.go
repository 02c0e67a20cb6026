package main

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/outreach/internal/auth"
	"github.com/daviddao/outreach/internal/display"
	"github.com/daviddao/outreach/internal/types"
	"github.com/spf13/cobra"
)

var (
	watchTopic string
	watchAll   bool
)

// gmailCmd is the parent command for Gmail operations.
var gmailCmd = &cobra.Command{
	Use:   "gmail",
	Short: "Gmail operations (watch)",
}

var gmailWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Register Gmail push notifications",
	Long: `Ask Gmail to publish mailbox changes to the configured Pub/Sub topic and
store the returned history pointer and expiration. Gmail expires watches
after seven days; run this daily, e.g. from cron.`,
	Example: `  ob gmail watch -u u1
  ob gmail watch --all --topic projects/acme/topics/gmail`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := watchTopic
		if topic == "" {
			topic = cfg.Gmail.PubSubTopic
		}
		if topic == "" {
			return fmt.Errorf("no Pub/Sub topic: set gmail.pubsub_topic or --topic")
		}

		ctx := cmd.Context()
		var users []*types.User
		if watchAll {
			var err error
			if users, err = store.ListUsers(ctx); err != nil {
				return err
			}
		} else {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			u, err := store.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			users = []*types.User{u}
		}

		_, conn, err := openConnector()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var failed int
		for _, u := range users {
			exp, err := watch(ctx, conn, u.ID, topic)
			if err != nil {
				failed++
				display.ErrorMsg(cmd.ErrOrStderr(), "%s: %v", u.ID, err)
				continue
			}
			if !quietFlag {
				display.SuccessMsg(out, "%s watching until %s", u.ID,
					exp.Local().Format(time.DateTime))
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d watches failed", failed, len(users))
		}
		return nil
	},
}

func watch(ctx context.Context, conn *auth.Connector, userID, topic string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.ProviderTimeout)
	defer cancel()

	client, err := conn.Client(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	historyID, exp, err := client.Watch(ctx, topic)
	if err != nil {
		return time.Time{}, err
	}
	if err := store.SetWatch(ctx, userID, historyID, exp); err != nil {
		return time.Time{}, err
	}
	return exp, nil
}

func init() {
	gmailWatchCmd.Flags().StringVar(&watchTopic, "topic", "", "Pub/Sub topic (default: gmail.pubsub_topic)")
	gmailWatchCmd.Flags().BoolVar(&watchAll, "all", false, "Watch every user's mailbox")

	gmailCmd.AddCommand(gmailWatchCmd)
	rootCmd.AddCommand(gmailCmd)
}
