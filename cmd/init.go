package cmd

import (
	"errors"
	"fmt"

	"github.com/ChA0S-f4me/CodersSquad-Kyrtizanka/kyrtizanka"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file, and create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if configMissing {
			if err := kyrtizanka.WriteDefaultConfig(configFile); err != nil {
				return fmt.Errorf("error writing default config: %w", err)
			}
			fmt.Fprintf(out, "Wrote default config to %s\n", configFile)
		} else if configFile != "" {
			fmt.Fprintf(out, "Using config file %s\n", configFile)
		}

		if cfg.DatabaseType == "" {
			return errors.New("database_type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := kyrtizanka.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}
		fmt.Fprintf(out, "Created %s database schema\n", cfg.DatabaseType)

		fmt.Fprintln(
			out,
			"Initialization complete. Set discord.token and "+
				"discord.application_id, then start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits // registers the subcommand
func init() {
	rootCmd.AddCommand(initCmd)
}
