package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mybookshelf/pricewatch/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect update pass history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := model.RunFilter{Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().Duration("since", 7*24*time.Hour, "time window (e.g. 24h, 168h); 0 for all")
	runsCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsCmd.Flags().Bool("json", false, "print runs as JSON")
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STARTED\tRESULT\tITEMS\tUPDATED\tERRORS\tQUEUED\tREJECTED\tSUCCESS\tDURATION")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t%.1fs\n",
			r.StartedAt.UTC().Format(time.DateTime),
			runResult(r),
			r.Statistics.TotalItems,
			r.Statistics.UpdatedItems,
			r.Statistics.ErrorItems,
			r.Statistics.QueuedForApproval,
			r.Statistics.RejectedPriceChanges,
			r.SuccessRate,
			r.DurationSeconds,
		)
	}
	_ = w.Flush()
}

func runResult(r model.RunSummary) string {
	switch {
	case !r.Success:
		return "failed"
	case r.Truncated:
		return "truncated"
	default:
		return "ok"
	}
}
