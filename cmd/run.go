package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/ChA0S-f4me/CodersSquad-Kyrtizanka/kyrtizanka"
	"github.com/spf13/cobra"
)

// errDefaultConfigWritten is returned by run when the config file was
// missing, and a default one was written in its place
var errDefaultConfigWritten = errors.New("default config written, configure it and run again")

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, and optionally the API and webhook servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if configMissing {
				if err := kyrtizanka.WriteDefaultConfig(configFile); err != nil {
					return fmt.Errorf("error writing default config: %w", err)
				}
				log.Printf("wrote default config to %s", configFile)
				return errDefaultConfigWritten
			}

			bot, err := kyrtizanka.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}

			watchConfig()
			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits // registers the subcommand
func init() {
	rootCmd.AddCommand(runCmd)
}
