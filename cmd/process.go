package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/priceindex-cli/internal/ingest"
)

var processOpts ingest.ProcessOptions

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Validate downloaded files and upsert them into the database",
	Long:  "Standardizes every data file under the data directory, validates the rows, writes the problem report, and upserts the valid rows into items and cpi_data.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initIngest(ctx, !processOpts.DryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = env.Engine.Track(ctx, "process", func(ctx context.Context, sum *ingest.RunSummary) error {
			p, err := env.Engine.Process(ctx, processOpts)
			sum.Process = p
			return err
		})
		if err != nil {
			return eris.Wrap(err, "process")
		}
		return nil
	},
}

func init() {
	processCmd.Flags().BoolVar(&processOpts.DryRun, "dry-run", false, "validate without writing to the database")
	processCmd.Flags().BoolVar(&processOpts.NoReport, "no-report", false, "skip writing the problem report")
	rootCmd.AddCommand(processCmd)
}
