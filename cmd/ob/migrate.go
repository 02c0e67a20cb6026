package main

import (
	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/display"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Bring the database schema up to date. Every command migrates on open;
this one only reports the result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Ping(cmd.Context()); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg(cmd.OutOrStdout(), "%s database at schema version %d",
				store.Driver(), db.LatestMigrationVersion)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
