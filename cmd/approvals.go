package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mybookshelf/pricewatch/internal/approval"
	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/store"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review price changes held for approval",
}

// -- approvals list --

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued price changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		page, err := approval.NewService(st).List(ctx, store.ApprovalFilter{
			Status: status,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "approvals list")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		formatApprovals(os.Stdout, page)
		return nil
	},
}

// -- approvals approve / reject --

func resolveCommand(use, short string, approve bool) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <approval-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			reviewer, _ := cmd.Flags().GetString("reviewer")
			notes, _ := cmd.Flags().GetString("notes")
			svc := approval.NewService(st)

			var res *approval.BulkResult
			if approve {
				res, err = svc.BulkApprove(ctx, args, reviewer, notes)
			} else {
				res, err = svc.BulkReject(ctx, args, reviewer, notes)
			}
			if err != nil {
				return eris.Wrapf(err, "approvals %s", use)
			}

			formatBulkResult(os.Stdout, res)
			if res.Failed > 0 {
				return eris.Errorf("%d of %d approvals failed", res.Failed, len(res.Outcomes))
			}
			return nil
		},
	}
	c.Flags().String("reviewer", approval.DefaultReviewer, "name recorded as the reviewer")
	c.Flags().String("notes", "", "notes stored with the decision")
	return c
}

var (
	approvalsApproveCmd = resolveCommand("approve", "Apply queued price changes", true)
	approvalsRejectCmd  = resolveCommand("reject", "Discard queued price changes", false)
)

func init() {
	approvalsListCmd.Flags().String("status", "pending", "filter by status (pending, approved, rejected, all)")
	approvalsListCmd.Flags().Int("limit", 50, "max number of approvals to display")
	approvalsListCmd.Flags().Int("offset", 0, "skip this many approvals")
	approvalsListCmd.Flags().Bool("json", false, "print the listing as JSON")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsRejectCmd)
	rootCmd.AddCommand(approvalsCmd)
}

// formatApprovals writes queue stats and a table of approvals to out.
func formatApprovals(out io.Writer, page *approval.Page) {
	_, _ = fmt.Fprintf(out, "Pending: %d  Approved today: %d  Rejected today: %d  Flagged today: %d\n\n",
		page.Stats.Pending, page.Stats.ApprovedToday, page.Stats.RejectedToday, page.Stats.TotalFlagged)

	if len(page.Items) == 0 {
		_, _ = fmt.Fprintf(out, "No %s approvals.\n", page.Status)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tITEM\tOLD\tNEW\tCHANGE\tSTATUS\tFLAGGED\tREASON")
	for _, a := range page.Items {
		title := a.ItemTitle
		if title == "" {
			title = a.ItemID
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s%%\t%s\t%s\t%s\n",
			a.ID,
			truncate(title, 32),
			a.OldPrice.StringFixed(2),
			a.NewPrice.StringFixed(2),
			a.PercentChange.StringFixed(1),
			statusLabel(a.Status),
			a.FlaggedAt.Format("2006-01-02 15:04"),
			a.Reason,
		)
	}
	_ = w.Flush()
}

// formatBulkResult writes per-id outcomes of a bulk resolution to out.
func formatBulkResult(out io.Writer, res *approval.BulkResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, o := range res.Outcomes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", o.ID, o.Status, o.Error)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "%d resolved, %d skipped, %d failed\n", res.Resolved, res.Skipped, res.Failed)
}

// statusLabel renders an approval status for terminal output.
func statusLabel(s model.ApprovalStatus) string {
	if s == "" {
		return string(model.ApprovalPending)
	}
	return string(s)
}
