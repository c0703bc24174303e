package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the run log and data tables",
	Long:  "Creates ingest_runs and the source's entity and data tables if they do not exist. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		src, err := initSource()
		if err != nil {
			return err
		}
		b, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer b.Close() //nolint:errcheck

		if err := store.NewManager(b, src.Schema).Setup(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("schema ready",
			zap.String("driver", cfg.Store.Driver),
			zap.String("entity_table", src.Schema.EntityTable),
			zap.String("data_table", src.Schema.DataTable),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
