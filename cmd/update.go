package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mybookshelf/pricewatch/internal/model"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one price update pass",
	Long:  "Loads the items due for a refresh, fetches their current Amazon price, validates each change and applies, queues or rejects it.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		f := cmd.Flags()
		if f.Changed("limit") {
			cfg.Updater.Limit, _ = f.GetInt("limit")
		}
		if f.Changed("cutoff-hours") {
			cfg.Updater.CutoffHours, _ = f.GetInt("cutoff-hours")
		}
		if f.Changed("delay") {
			d, _ := f.GetDuration("delay")
			cfg.Updater.DelayMs = int(d.Milliseconds())
		}
		if f.Changed("dry-run") {
			cfg.Updater.DryRun, _ = f.GetBool("dry-run")
		}

		env, err := initPriceEnv(ctx, "update", passOptions())
		if err != nil {
			return err
		}
		defer env.Close()

		summary := env.Orchestrator.RunPass(ctx)

		asJSON, _ := f.GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return eris.Wrap(err, "encode summary")
			}
		} else {
			formatSummary(os.Stdout, summary)
		}

		if !summary.Success {
			return eris.Errorf("update pass failed: %s", summary.Message)
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().Int("limit", 50, "max items to refresh in this pass")
	updateCmd.Flags().Int("cutoff-hours", 25, "refresh items not checked within this many hours")
	updateCmd.Flags().Duration("delay", 0, "pause between items (default from config)")
	updateCmd.Flags().Bool("dry-run", false, "validate and report without writing to the catalog")
	updateCmd.Flags().Bool("json", false, "print the run summary as JSON")
	rootCmd.AddCommand(updateCmd)
}

// formatSummary writes a human-readable pass report to out.
func formatSummary(out io.Writer, s model.RunSummary) {
	st := s.Statistics
	_, _ = fmt.Fprintln(out, s.Message)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total\t%d\n", st.TotalItems)
	_, _ = fmt.Fprintf(w, "Updated\t%d (+%d / -%d)\n", st.UpdatedItems, st.PriceIncreases, st.PriceDecreases)
	_, _ = fmt.Fprintf(w, "Unchanged\t%d\n", st.UnchangedItems)
	_, _ = fmt.Fprintf(w, "Out of stock\t%d\n", st.OutOfStockItems)
	_, _ = fmt.Fprintf(w, "Errors\t%d\n", st.ErrorItems)
	_, _ = fmt.Fprintf(w, "Skipped\t%d\n", st.SkippedItems)
	_, _ = fmt.Fprintf(w, "Queued for approval\t%d\n", st.QueuedForApproval)
	_, _ = fmt.Fprintf(w, "Rejected\t%d\n", st.RejectedPriceChanges)
	_, _ = fmt.Fprintf(w, "Success rate\t%.1f%%\n", s.SuccessRate)
	_, _ = fmt.Fprintf(w, "Validation rate\t%.1f%%\n", s.ValidationRate)
	_, _ = fmt.Fprintf(w, "Duration\t%.2fs\n", s.DurationSeconds)
	_ = w.Flush()

	if len(s.Changes) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ITEM\tOLD\tNEW\tCHANGE\tOUTCOME\tREASON")
		for _, c := range s.Changes {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s%%\t%s\t%s\n",
				truncate(c.Title, 40),
				c.OldPrice.StringFixed(2),
				c.NewPrice.StringFixed(2),
				c.PercentChange.StringFixed(1),
				c.Outcome,
				c.Reason,
			)
		}
		_ = w.Flush()
	}

	for _, e := range st.Errors {
		_, _ = fmt.Fprintf(out, "error: %s\n", e)
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
