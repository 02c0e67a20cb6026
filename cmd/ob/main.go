package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/daviddao/outreach/internal/build"
	"github.com/daviddao/outreach/internal/config"
	"github.com/daviddao/outreach/internal/db"
	"github.com/spf13/cobra"
)

var (
	cfgPath    string
	userFlag   string
	jsonOutput bool
	quietFlag  bool

	cfg     *config.Config
	loader  *config.Loader
	logging *build.Logging
	store   *db.Store
)

var rootCmd = &cobra.Command{
	Use:   "ob",
	Short: "ob - Outreach pipeline tracking synced with Gmail",
	Long: `Outreach: track outbound emails from draft to reply, kept in sync
with Gmail drafts, threads and push notifications.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version", "auth", "gmail":
			return nil
		}

		var err error
		cfg, loader, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		logging, err = build.NewLogging(cfg.Log, os.Stderr)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				logging.Logger.Warn("ignoring invalid config change", "err", err)
				return
			}
			if err := logging.SetLevel(next.Log.Level); err != nil {
				logging.Logger.Warn("ignoring log level change", "err", err)
				return
			}
			logging.Logger.Info("log level changed", "level", logging.Level())
		})

		store, err = db.Open(cfg.Database, logging.Logger)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
		if logging != nil {
			logging.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ob version %s\n", build.Version)
	},
}

// requireUser returns the --user flag or fails.
func requireUser() (string, error) {
	if userFlag == "" {
		return "", fmt.Errorf("--user is required (or set OUTREACH_USER)")
	}
	return userFlag, nil
}

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: ~/.config/outreach/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", os.Getenv("OUTREACH_USER"), "User id")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
