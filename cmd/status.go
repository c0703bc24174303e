package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/priceindex-cli/internal/model"
	"github.com/sells-group/priceindex-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs and table sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")
		switch output {
		case "table", "json", "yaml":
		default:
			return eris.Errorf("status: unknown output format %q (table, json, yaml)", output)
		}

		src, err := initSource()
		if err != nil {
			return err
		}
		b, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer b.Close() //nolint:errcheck

		runs, err := b.List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		mgr := store.NewManager(b, src.Schema)
		if err := mgr.Setup(ctx); err != nil {
			return eris.Wrap(err, "status")
		}
		tables, err := mgr.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		last, err := lastSuccesses(ctx, b, trackedCommands)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		return writeStatus(os.Stdout, output, statusReport{
			Source:      src.Name,
			Tables:      tables,
			LastSuccess: last,
			Runs:        runs,
		})
	},
}

func init() {
	statusCmd.Flags().Int("limit", 10, "number of recent runs to show")
	statusCmd.Flags().StringP("output", "o", "table", "output format: table, json, yaml")
	rootCmd.AddCommand(statusCmd)
}

// trackedCommands are the commands recorded in the run log.
var trackedCommands = []string{"run", "process"}

type statusReport struct {
	Source      string                `json:"source" yaml:"source"`
	Tables      map[string]int64      `json:"tables" yaml:"tables"`
	LastSuccess map[string]*time.Time `json:"last_success" yaml:"last_success"`
	Runs        []model.RunEntry      `json:"runs" yaml:"runs"`
}

// lastSuccesses returns the start of the latest completed run per command. A
// command that never succeeded maps to nil.
func lastSuccesses(ctx context.Context, runs store.RunLog, commands []string) (map[string]*time.Time, error) {
	out := make(map[string]*time.Time, len(commands))
	for _, c := range commands {
		t, err := runs.LastSuccess(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c] = t
	}
	return out, nil
}

func writeStatus(out io.Writer, format string, r statusReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "status: encode yaml")
		}
		return enc.Close()
	default:
		_, _ = fmt.Fprintf(out, "source: %s\n", r.Source)
		for _, t := range sortedKeys(r.Tables) {
			_, _ = fmt.Fprintf(out, "%s: %d rows\n", t, r.Tables[t])
		}
		for _, c := range sortedKeys(r.LastSuccess) {
			when := "never"
			if t := r.LastSuccess[c]; t != nil {
				when = t.Format("2006-01-02 15:04")
			}
			_, _ = fmt.Fprintf(out, "last successful %s: %s\n", c, when)
		}
		_, _ = fmt.Fprintln(out)
		formatRuns(out, r.Runs)
		return nil
	}
}

// formatRuns writes a tabular representation of run entries to w.
func formatRuns(out io.Writer, entries []model.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-------\t--------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			d := e.CompletedAt.Sub(e.StartedAt).Round(time.Second)
			dur = d.String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(e.ID),
			e.Command,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
