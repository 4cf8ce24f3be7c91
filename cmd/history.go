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

	"github.com/mybookshelf/pricewatch/internal/catalog"
	"github.com/mybookshelf/pricewatch/internal/model"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or export the price change ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		itemID, _ := cmd.Flags().GetString("item")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")

		switch format {
		case "table", "json", "csv":
		case "xlsx":
			if outPath == "" {
				return eris.New("--out is required for xlsx output")
			}
		default:
			return eris.Errorf("unsupported format %q (table, json, csv, xlsx)", format)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := model.HistoryFilter{ItemID: itemID, Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		records, err := st.ListHistory(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "history")
		}

		var out io.Writer = os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrapf(err, "create %s", outPath)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		return writeHistory(out, format, records)
	},
}

func init() {
	historyCmd.Flags().String("item", "", "only records for this item id")
	historyCmd.Flags().Duration("since", 0, "only records newer than this (e.g. 168h)")
	historyCmd.Flags().Int("limit", 200, "max number of records")
	historyCmd.Flags().String("format", "table", "output format: table, json, csv, xlsx")
	historyCmd.Flags().String("out", "", "write to this file instead of stdout")
	rootCmd.AddCommand(historyCmd)
}

func writeHistory(out io.Writer, format string, records []model.HistoryRecord) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "csv":
		return catalog.WriteHistoryCSV(out, records)
	case "xlsx":
		return catalog.WriteHistoryXLSX(out, records)
	default:
		formatHistory(out, records)
		return nil
	}
}

// formatHistory writes a tabular list of history records to out.
func formatHistory(out io.Writer, records []model.HistoryRecord) {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No price changes recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RECORDED\tITEM\tOLD\tNEW\tCHANGE\tSOURCE\tNOTES")
	for _, rec := range records {
		pct := "-"
		if rec.ChangePercent != nil {
			pct = rec.ChangePercent.StringFixed(1) + "%"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.RecordedAt.UTC().Format(time.DateTime),
			rec.ItemID,
			rec.OldPrice.StringFixed(2),
			rec.NewPrice.StringFixed(2),
			pct,
			rec.Source,
			truncate(rec.Notes, 48),
		)
	}
	_ = w.Flush()
}
