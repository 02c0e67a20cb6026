package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/daviddao/outreach/internal/auth"
	"github.com/daviddao/outreach/internal/display"
	"github.com/daviddao/outreach/internal/types"
	"github.com/spf13/cobra"
)

var (
	userEmail   string
	userCredits int64
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Connect Gmail accounts (login, import, logout)",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize Gmail access for a user",
	Long: `Print the Google consent URL, read the authorization code from stdin
and store the resulting token in the keyring. The user's mailbox address is
read from Gmail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		user, err := store.GetUser(ctx, userID)
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("unknown user %s: run 'ob user -u %s --email ADDRESS' first",
				userID, userID)
		} else if err != nil {
			return err
		}

		_, conn, err := openConnector()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Open this URL and authorize access:\n\n  %s\n\nCode: ",
			conn.AuthCodeURL(userID))
		code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && code == "" {
			return fmt.Errorf("read code: %w", err)
		}
		if err := conn.Exchange(ctx, userID, strings.TrimSpace(code)); err != nil {
			return err
		}

		client, err := conn.Client(ctx, userID)
		if err != nil {
			return err
		}
		email, historyID, err := client.Profile(ctx)
		if err != nil {
			return err
		}
		user.Email = email
		if err := store.UpsertUser(ctx, user); err != nil {
			return err
		}
		if user.HistoryID == 0 {
			if _, err := store.AdvanceHistoryID(ctx, userID, historyID); err != nil {
				return err
			}
		}

		display.SuccessMsg(cmd.OutOrStdout(), "Connected %s as %s", email, userID)
		return nil
	},
}

var authImportCmd = &cobra.Command{
	Use:   "import TOKEN_JSON",
	Short: "Import a google-auth token.json for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		tokens, err := auth.OpenTokenStore(cfg.Keyring)
		if err != nil {
			return err
		}
		if err := auth.ImportPythonToken(tokens, userID, args[0]); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg(cmd.OutOrStdout(), "Imported token for %s", userID)
		}
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget a user's Gmail token",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		_, conn, err := openConnector()
		if err != nil {
			return err
		}
		if err := conn.Disconnect(userID); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg(cmd.OutOrStdout(), "Disconnected %s", userID)
		}
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Create or update a user",
	Long: `Create or update a user. --credits tops the balance up to the given
amount through the ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := requireUser()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		user, err := store.GetUser(ctx, userID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			if userEmail == "" {
				return fmt.Errorf("--email is required for a new user")
			}
			user = &types.User{ID: userID}
		case err != nil:
			return err
		}
		if userEmail != "" {
			user.Email = userEmail
		}
		if err := store.UpsertUser(ctx, user); err != nil {
			return err
		}

		if userCredits > 0 {
			balance, err := store.Balance(ctx, userID)
			if err != nil {
				return err
			}
			if topUp := userCredits - balance; topUp > 0 {
				if err := store.Refund(ctx, userID, topUp, "topup"); err != nil {
					return err
				}
			}
		}

		user, err = store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, user)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", user.ID, user.Email,
			display.Dim.Render(fmt.Sprintf("(%d credits)", user.Credits)))
		return nil
	},
}

func init() {
	userCmd.Flags().StringVar(&userEmail, "email", "", "Mailbox address")
	userCmd.Flags().Int64Var(&userCredits, "credits", 0, "Credit balance to top up to")

	authCmd.AddCommand(authLoginCmd, authImportCmd, authLogoutCmd)
	rootCmd.AddCommand(authCmd, userCmd)
}
