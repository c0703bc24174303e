package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download new source files into the data directory",
	Long:  "Discovers data file links, expands yearly and quarterly archives, and downloads only files whose period is not already on disk or in the ledger.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initIngest(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Engine.Fetch(ctx); err != nil {
			return eris.Wrap(err, "fetch")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
