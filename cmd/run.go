package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/ingest"
)

var runNoReport bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch then process, recorded in the run log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initIngest(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Engine.Run(ctx, ingest.ProcessOptions{NoReport: runNoReport})
		if err != nil {
			return eris.Wrap(err, "run")
		}

		fields := []zap.Field{zap.String("run_id", sum.RunID)}
		if sum.Process != nil && sum.Process.Upsert != nil {
			fields = append(fields,
				zap.Int64("entities_inserted", sum.Process.Upsert.EntitiesInserted),
				zap.Int64("measurements_inserted", sum.Process.Upsert.MeasurementsInserted),
			)
		}
		zap.L().Info("pipeline complete", fields...)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoReport, "no-report", false, "skip writing the problem report")
	rootCmd.AddCommand(runCmd)
}
