package cmd

import (
	"fmt"

	"github.com/ChA0S-f4me/CodersSquad-Kyrtizanka/kyrtizanka"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s",
			kyrtizanka.Version,
			kyrtizanka.CommitSHA,
			kyrtizanka.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
