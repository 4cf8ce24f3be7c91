package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mybookshelf/pricewatch/internal/catalog"
	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/store"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect and manage catalog items",
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		minFailures, _ := cmd.Flags().GetInt("min-failures")
		limit, _ := cmd.Flags().GetInt("limit")

		if status != "" && !model.PriceStatus(status).Valid() {
			return eris.Errorf("invalid status %q", status)
		}

		items, err := st.ListItems(ctx, store.ItemFilter{
			Status:            model.PriceStatus(status),
			MinFailedAttempts: minFailures,
			Limit:             limit,
		})
		if err != nil {
			return eris.Wrap(err, "items list")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No items found.")
			return nil
		}

		formatItems(os.Stdout, items)
		return nil
	},
}

var itemsResetCmd = &cobra.Command{
	Use:   "reset <item-id>...",
	Short: "Clear failed attempts so items are refreshed again",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, id := range args {
			if err := st.ResetFailedAttempts(ctx, id); err != nil {
				return eris.Wrapf(err, "items reset %s", id)
			}
			fmt.Fprintf(os.Stdout, "reset %s\n", id)
		}
		return nil
	},
}

var itemsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import catalog items from a CSV or XLSX file",
	Long:  "Upserts items by id. Titles, ASINs and links are refreshed; prices of existing items are left to the updater.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		res, err := catalog.ReadFile(args[0])
		if err != nil {
			return err
		}
		for _, skip := range res.Skipped {
			fmt.Fprintf(os.Stderr, "row %d skipped: %s\n", skip.Row, skip.Err)
		}
		if len(res.Items) == 0 {
			return eris.Errorf("no importable rows in %s", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertItems(ctx, res.Items)
		if err != nil {
			return eris.Wrap(err, "items import")
		}
		fmt.Fprintf(os.Stdout, "Imported %d items (%d rows skipped)\n", n, len(res.Skipped))
		return nil
	},
}

func init() {
	itemsListCmd.Flags().String("status", "", "filter by price status (in_stock, out_of_stock, error, disabled)")
	itemsListCmd.Flags().Int("min-failures", 0, "only items with at least this many failed attempts")
	itemsListCmd.Flags().Int("limit", 100, "max number of items to display")

	itemsCmd.AddCommand(itemsListCmd)
	itemsCmd.AddCommand(itemsResetCmd)
	itemsCmd.AddCommand(itemsImportCmd)
	rootCmd.AddCommand(itemsCmd)
}

// formatItems writes a tabular list of items to out.
func formatItems(out io.Writer, items []model.Item) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tASIN\tPRICE\tSTATUS\tFAILS\tCHECKED")
	for _, it := range items {
		checked := "never"
		if it.LastCheckedAt != nil {
			checked = it.LastCheckedAt.UTC().Format(time.DateTime)
		}
		fails := fmt.Sprintf("%d", it.FailedAttempts)
		if it.PermanentlySkipped() {
			fails += " (skipped)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ID,
			truncate(it.Title, 40),
			it.ASIN,
			it.CurrentPrice.StringFixed(2),
			it.PriceStatus,
			fails,
			checked,
		)
	}
	_ = w.Flush()
}
