package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/store"
)

var reviewTime = time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	svc := NewService(st)
	svc.nowFunc = func() time.Time { return reviewTime }
	return svc, st
}

// queue seeds an item priced oldPrice and flags a change to newPrice.
func queue(t *testing.T, st *store.SQLiteStore, itemID, oldPrice, newPrice string, inStock bool) string {
	t.Helper()
	ctx := context.Background()
	_, err := st.UpsertItems(ctx, []model.Item{{ID: itemID, Title: "Book " + itemID, CurrentPrice: dec(oldPrice)}})
	require.NoError(t, err)

	flagged := reviewTime.Add(-6 * time.Hour)
	pct := dec(newPrice).Sub(dec(oldPrice)).Mul(decimal.NewFromInt(100)).Div(dec(oldPrice))
	id, err := st.FlagForApproval(ctx,
		model.ItemUpdate{ItemID: itemID, CheckedAt: flagged, RequiresApproval: model.Ptr(true)},
		model.PendingApproval{
			ItemID:        itemID,
			OldPrice:      dec(oldPrice),
			NewPrice:      dec(newPrice),
			PercentChange: pct,
			Reason:        "extreme_change_55.0pct_exceeds_25pct_limit",
			Layer:         "threshold_validation",
			InStock:       inStock,
			FlaggedAt:     flagged,
		})
	require.NoError(t, err)
	return id
}

func TestApprove_AppliesPriceAndHistory(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	id := queue(t, st, "dune", "20", "31", true)

	a, err := svc.Approve(ctx, id, "", "publisher repriced")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, a.Status)
	assert.Equal(t, DefaultReviewer, a.ReviewedBy)

	it, err := st.GetItem(ctx, "dune")
	require.NoError(t, err)
	assert.True(t, it.CurrentPrice.Equal(dec("31")))
	assert.Equal(t, model.PriceStatusInStock, it.PriceStatus)
	assert.False(t, it.RequiresApproval)
	assert.Equal(t, "approved by admin: publisher repriced", it.Notes)
	require.NotNil(t, it.PriceUpdatedAt)

	hist, err := st.ListHistory(ctx, model.HistoryFilter{ItemID: "dune"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.HistorySourceAdminApproved, hist[0].Source)
	assert.True(t, hist[0].OldPrice.Equal(dec("20")))
	assert.True(t, hist[0].NewPrice.Equal(dec("31")))
}

func TestApprove_OutOfStockObservation(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	id := queue(t, st, "emma", "20", "45", false)

	_, err := svc.Approve(ctx, id, "alice", "")
	require.NoError(t, err)

	it, err := st.GetItem(ctx, "emma")
	require.NoError(t, err)
	assert.Equal(t, model.PriceStatusOutOfStock, it.PriceStatus)
	assert.Equal(t, "approved by alice", it.Notes)
}

func TestReject_LeavesPrice(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	id := queue(t, st, "dune", "20", "31", true)

	a, err := svc.Reject(ctx, id, "bob", "scraper glitch")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, a.Status)

	it, err := st.GetItem(ctx, "dune")
	require.NoError(t, err)
	assert.True(t, it.CurrentPrice.Equal(dec("20")))
	assert.False(t, it.RequiresApproval)

	hist, err := st.ListHistory(ctx, model.HistoryFilter{ItemID: "dune"})
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestResolve_Twice(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	id := queue(t, st, "dune", "20", "31", true)

	_, err := svc.Approve(ctx, id, "alice", "")
	require.NoError(t, err)

	_, err = svc.Reject(ctx, id, "bob", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrAlreadyResolved))

	_, err = svc.Approve(ctx, "missing", "alice", "")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = svc.Approve(ctx, " ", "alice", "")
	assert.Error(t, err)
}

func TestList_DefaultsAndStats(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	first := queue(t, st, "dune", "20", "31", true)
	queue(t, st, "emma", "10", "30", true)

	_, err := svc.Reject(ctx, first, "bob", "")
	require.NoError(t, err)

	page, err := svc.List(ctx, store.ApprovalFilter{})
	require.NoError(t, err)
	assert.Equal(t, "pending", page.Status)
	assert.Equal(t, 50, page.Limit)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "emma", page.Items[0].ItemID)
	assert.Equal(t, model.ApprovalStats{Pending: 1, RejectedToday: 1, TotalFlagged: 2}, page.Stats)

	all, err := svc.List(ctx, store.ApprovalFilter{Status: store.StatusAll})
	require.NoError(t, err)
	assert.Len(t, all.Items, 2)

	approved, err := svc.List(ctx, store.ApprovalFilter{Status: "approved"})
	require.NoError(t, err)
	assert.NotNil(t, approved.Items)
	assert.Empty(t, approved.Items)

	_, err = svc.List(ctx, store.ApprovalFilter{Status: "maybe"})
	assert.Error(t, err)
}

func TestBulkApprove_Partial(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	a := queue(t, st, "dune", "20", "31", true)
	b := queue(t, st, "emma", "10", "30", true)
	_, err := svc.Reject(ctx, b, "bob", "")
	require.NoError(t, err)

	res, err := svc.BulkApprove(ctx, []string{a, b, "missing", a, ""}, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, BulkOutcome{ID: a, Status: BulkResolved}, res.Outcomes[0])
	assert.Equal(t, BulkSkipped, res.Outcomes[1].Status)
	assert.Equal(t, BulkSkipped, res.Outcomes[2].Status)

	it, err := st.GetItem(ctx, "dune")
	require.NoError(t, err)
	assert.True(t, it.CurrentPrice.Equal(dec("31")))
}

func TestBulkReject_NoIDs(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.BulkReject(context.Background(), []string{"", "  "}, "", "")
	assert.Error(t, err)
}
