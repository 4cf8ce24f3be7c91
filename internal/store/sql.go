package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/mybookshelf/pricewatch/internal/model"
)

// dialect captures the differences between the Postgres and SQLite
// statements built at runtime.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

var pgDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return formatTime(t) },
}

// SupersededReviewer and SupersededNote mark approvals closed because a
// newer price was applied to the item.
const (
	SupersededReviewer = "system"
	SupersededNote     = "superseded by automated price update"
)

func supersedeSQL(d dialect, itemID string, at time.Time) (string, []any) {
	query := fmt.Sprintf(`UPDATE price_validation_queue SET status = 'rejected', reviewed_at = %s, reviewed_by = %s, admin_notes = %s
		 WHERE item_id = %s AND status = 'pending'`,
		d.placeholder(1), d.placeholder(2), d.placeholder(3), d.placeholder(4))
	return query, []any{d.timeArg(at), SupersededReviewer, SupersededNote, itemID}
}

// itemUpdateSQL renders a partial catalog update. last_checked_at is always
// written; every other column only when the update asks for it.
func itemUpdateSQL(d dialect, u model.ItemUpdate) (string, []any) {
	var sets []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, d.placeholder(len(args))))
	}

	add("last_checked_at = %s", d.timeArg(u.CheckedAt))
	if u.Price != nil {
		add("current_price = %s", u.Price.String())
		add("price_updated_at = %s", d.timeArg(u.CheckedAt))
	}
	if u.Status != "" {
		add("price_status = %s", string(u.Status))
	}
	if u.RequiresApproval != nil {
		add("requires_approval = %s", *u.RequiresApproval)
	}
	switch {
	case u.ResetFailures:
		sets = append(sets, "failed_attempts = 0")
	case u.IncrementFailures:
		sets = append(sets, "failed_attempts = failed_attempts + 1")
	}
	switch {
	case u.Notes != nil:
		add("notes = %s", *u.Notes)
	case u.AppendNote != "":
		add("notes = COALESCE(notes, '') || %s", u.AppendNote)
	}

	args = append(args, u.ItemID)
	query := fmt.Sprintf("UPDATE catalog_items SET %s WHERE id = %s",
		strings.Join(sets, ", "), d.placeholder(len(args)))
	return query, args
}

// approvalItemUpdate is the catalog update applied when an approval is resolved.
func approvalItemUpdate(a *model.PendingApproval, r model.Resolution) model.ItemUpdate {
	u := model.ItemUpdate{
		ItemID:           a.ItemID,
		CheckedAt:        r.ReviewedAt,
		RequiresApproval: model.Ptr(false),
	}
	if r.Status != model.ApprovalApproved {
		return u
	}
	price := a.NewPrice
	u.Price = &price
	u.ResetFailures = true
	u.Status = model.PriceStatusInStock
	if !a.InStock || price.IsZero() {
		u.Status = model.PriceStatusOutOfStock
	}
	note := fmt.Sprintf("approved by %s", r.ReviewedBy)
	if r.Notes != "" {
		note += ": " + r.Notes
	}
	u.Notes = &note
	return u
}

// approvalHistory returns the ledger row for an approved change, or nil when
// the price did not move.
func approvalHistory(a *model.PendingApproval, r model.Resolution) *model.HistoryRecord {
	if r.Status != model.ApprovalApproved || a.NewPrice.Equal(a.OldPrice) {
		return nil
	}
	notes := fmt.Sprintf("admin approved %s%% change (%s)", a.PercentChange.StringFixed(1), a.Reason)
	if r.Notes != "" {
		notes += ": " + r.Notes
	}
	rec := model.NewHistoryRecord(a.ItemID, a.OldPrice, a.NewPrice, model.HistorySourceAdminApproved, notes, r.ReviewedAt)
	return &rec
}

func checkResolvable(a *model.PendingApproval, r model.Resolution) error {
	if !r.Status.Terminal() {
		return eris.Errorf("store: cannot resolve approval to %q", r.Status)
	}
	if a.Status != model.ApprovalPending {
		return eris.Wrapf(ErrAlreadyResolved, "approval %s is %s", a.ID, a.Status)
	}
	return nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "store: parse price %q", s)
	}
	return d, nil
}

func parseOptionalPrice(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parsePrice(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalPriceArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func defaultLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// formatTime renders a fixed-width UTC timestamp so SQLite text comparisons
// order correctly.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse time %q", s)
	}
	return t, nil
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scannable interface {
	Scan(dest ...any) error
}
