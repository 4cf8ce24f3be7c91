package updater

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/resilience"
	"github.com/mybookshelf/pricewatch/internal/store"
	"github.com/mybookshelf/pricewatch/internal/validation"
)

var fixedNow = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type appliedChange struct {
	update model.ItemUpdate
	rec    *model.HistoryRecord
}

type fakeCatalog struct {
	due     []model.Item
	listErr error
	// errFor makes writes for the given item fail.
	errFor map[string]error

	dueFilter store.DueFilter
	updates   []model.ItemUpdate
	applied   []appliedChange
	flagged   []model.PendingApproval
}

func (c *fakeCatalog) ListDueItems(_ context.Context, f store.DueFilter) ([]model.Item, error) {
	c.dueFilter = f
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []model.Item
	for _, it := range c.due {
		if it.FailedAttempts < f.MaxFailedAttempts {
			out = append(out, it)
		}
	}
	return out, nil
}

func (c *fakeCatalog) UpdateItem(_ context.Context, u model.ItemUpdate) error {
	if err := c.errFor[u.ItemID]; err != nil {
		return err
	}
	c.updates = append(c.updates, u)
	return nil
}

func (c *fakeCatalog) ApplyPriceChange(_ context.Context, u model.ItemUpdate, rec *model.HistoryRecord) error {
	if err := c.errFor[u.ItemID]; err != nil {
		return err
	}
	c.applied = append(c.applied, appliedChange{update: u, rec: rec})
	return nil
}

func (c *fakeCatalog) FlagForApproval(_ context.Context, u model.ItemUpdate, a model.PendingApproval) (string, error) {
	if err := c.errFor[u.ItemID]; err != nil {
		return "", err
	}
	c.updates = append(c.updates, u)
	c.flagged = append(c.flagged, a)
	return "approval-" + a.ItemID, nil
}

// fakeFetcher answers by ASIN. A missing entry blocks until the context ends.
type fakeFetcher struct {
	obs   map[string]model.Observation
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, asin string) (model.Observation, error) {
	f.calls = append(f.calls, asin)
	if err, ok := f.errs[asin]; ok {
		return model.Observation{}, err
	}
	if o, ok := f.obs[asin]; ok {
		return o, nil
	}
	<-ctx.Done()
	return model.Observation{}, ctx.Err()
}

func priced(s string) model.Observation {
	d := dec(s)
	return model.Observation{Price: &d, InStock: !d.IsZero()}
}

type fakeRuns struct {
	saved []model.RunSummary
}

func (r *fakeRuns) SaveRun(_ context.Context, s *model.RunSummary) error {
	s.ID = "run-1"
	r.saved = append(r.saved, *s)
	return nil
}

func (r *fakeRuns) ListRuns(context.Context, model.RunFilter) ([]model.RunSummary, error) {
	return r.saved, nil
}

type recordingNotifier struct {
	runs []model.RunSummary
	err  error
}

func (n *recordingNotifier) NotifyRun(_ context.Context, s model.RunSummary) error {
	n.runs = append(n.runs, s)
	return n.err
}

func (n *recordingNotifier) ObserveRun(_ context.Context, s model.RunSummary) {
	n.runs = append(n.runs, s)
}

func item(id, asin, price string) model.Item {
	return model.Item{
		ID:           id,
		Title:        "Book " + id,
		ASIN:         asin,
		CurrentPrice: dec(price),
		PriceStatus:  model.PriceStatusInStock,
	}
}

type harness struct {
	orch     *Orchestrator
	catalog  *fakeCatalog
	fetcher  *fakeFetcher
	runs     *fakeRuns
	notifier *recordingNotifier
	observer *recordingNotifier
}

func newHarness(t *testing.T, opts Options, items ...model.Item) *harness {
	t.Helper()
	h := &harness{
		catalog:  &fakeCatalog{due: items, errFor: map[string]error{}},
		fetcher:  &fakeFetcher{obs: map[string]model.Observation{}, errs: map[string]error{}},
		runs:     &fakeRuns{},
		notifier: &recordingNotifier{},
		observer: &recordingNotifier{},
	}
	h.orch = New(h.catalog, h.runs, h.fetcher, validation.NewEngine(validation.DefaultPolicy()), h.notifier, opts, h.observer)
	h.orch.nowFunc = func() time.Time { return fixedNow }
	return h
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Delay = 0
	return opts
}

func TestRunPass_NoDueItems(t *testing.T) {
	h := newHarness(t, fastOptions())

	summary := h.orch.RunPass(context.Background())

	assert.True(t, summary.Success)
	assert.Equal(t, "No updates needed", summary.Message)
	assert.Equal(t, model.RunStatistics{}, summary.Statistics)
	assert.Empty(t, h.fetcher.calls)
	require.Len(t, h.runs.saved, 1)
	assert.Len(t, h.notifier.runs, 1)
	assert.Len(t, h.observer.runs, 1)
}

func TestRunPass_DueFilter(t *testing.T) {
	h := newHarness(t, fastOptions())

	h.orch.RunPass(context.Background())

	assert.Equal(t, 50, h.catalog.dueFilter.Limit)
	assert.Equal(t, model.MaxFailedAttempts, h.catalog.dueFilter.MaxFailedAttempts)
	assert.Equal(t, fixedNow.Add(-25*time.Hour), h.catalog.dueFilter.Cutoff)
}

func TestRunPass_ListError(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.catalog.listErr = eris.New("boom")

	summary := h.orch.RunPass(context.Background())

	assert.False(t, summary.Success)
	assert.Contains(t, summary.Message, "Failed to load items")
	assert.Equal(t, []string{"boom"}, summary.Statistics.Errors)
	assert.Len(t, h.notifier.runs, 1)
}

func TestRunPass_ExhaustedItemsNeverProcessed(t *testing.T) {
	stuck := item("stuck", "B000000001", "10")
	stuck.FailedAttempts = model.MaxFailedAttempts
	h := newHarness(t, fastOptions(), stuck)

	summary := h.orch.RunPass(context.Background())

	assert.Equal(t, "No updates needed", summary.Message)
	assert.Empty(t, h.fetcher.calls)
}

func TestProcessItems_SkipsExhaustedItem(t *testing.T) {
	stuck := item("stuck", "B000000001", "10")
	stuck.FailedAttempts = 7
	h := newHarness(t, fastOptions())

	summary := h.orch.ProcessItems(context.Background(), []model.Item{stuck})

	assert.Equal(t, 1, summary.Statistics.SkippedItems)
	assert.Empty(t, h.fetcher.calls)
	assert.Empty(t, h.catalog.updates)
}

func TestRunPass_AppliesValidChange(t *testing.T) {
	h := newHarness(t, fastOptions(), item("dune", "B000000001", "60"))
	h.fetcher.obs["B000000001"] = priced("55")

	summary := h.orch.RunPass(context.Background())

	require.Len(t, h.catalog.applied, 1)
	change := h.catalog.applied[0]
	assert.True(t, change.update.Price.Equal(dec("55")))
	assert.Equal(t, model.PriceStatusInStock, change.update.Status)
	assert.True(t, change.update.ResetFailures)
	assert.Equal(t, fixedNow, change.update.CheckedAt)
	require.NotNil(t, change.rec)
	assert.Equal(t, model.HistorySourceAutomated, change.rec.Source)
	assert.True(t, change.rec.OldPrice.Equal(dec("60")))
	assert.True(t, change.rec.NewPrice.Equal(dec("55")))

	stats := summary.Statistics
	assert.True(t, summary.Success)
	assert.Equal(t, 1, stats.UpdatedItems)
	assert.Equal(t, 1, stats.PriceDecreases)
	assert.True(t, stats.TotalPriceChange.Equal(dec("-5")))
	assert.Equal(t, 100.0, summary.SuccessRate)
	assert.Equal(t, 100.0, summary.ValidationRate)
	require.Len(t, summary.Changes, 1)
	assert.Equal(t, model.ChangeApplied, summary.Changes[0].Outcome)
	assert.Equal(t, "Price update completed: 1 updated, 0 unchanged, 0 errors", summary.Message)
}

func TestRunPass_SamePriceWritesNoHistory(t *testing.T) {
	h := newHarness(t, fastOptions(), item("dune", "B000000001", "19.99"))
	h.fetcher.obs["B000000001"] = priced("19.99")

	summary := h.orch.RunPass(context.Background())

	require.Len(t, h.catalog.applied, 1)
	assert.Nil(t, h.catalog.applied[0].rec)
	assert.Equal(t, 1, summary.Statistics.UnchangedItems)
	assert.Equal(t, 0, summary.Statistics.UpdatedItems)
}

func TestRunPass_BothZeroTouchesTimestampOnly(t *testing.T) {
	it := item("gone", "B000000001", "0")
	it.PriceStatus = model.PriceStatusOutOfStock
	h := newHarness(t, fastOptions(), it)
	h.fetcher.obs["B000000001"] = priced("0")

	summary := h.orch.RunPass(context.Background())

	assert.Empty(t, h.catalog.applied)
	require.Len(t, h.catalog.updates, 1)
	u := h.catalog.updates[0]
	assert.Nil(t, u.Price)
	assert.Empty(t, u.Status)
	assert.False(t, u.IncrementFailures)
	assert.Equal(t, 1, summary.Statistics.UnchangedItems)
}

func TestRunPass_LargeChangeQueuedForApproval(t *testing.T) {
	h := newHarness(t, fastOptions(), item("dune", "B000000001", "20"))
	h.fetcher.obs["B000000001"] = priced("31")

	summary := h.orch.RunPass(context.Background())

	assert.Empty(t, h.catalog.applied)
	require.Len(t, h.catalog.flagged, 1)
	a := h.catalog.flagged[0]
	assert.Equal(t, "dune", a.ItemID)
	assert.True(t, a.OldPrice.Equal(dec("20")))
	assert.True(t, a.NewPrice.Equal(dec("31")))
	assert.True(t, a.PercentChange.Equal(dec("55")))
	assert.Equal(t, model.ApprovalPending, a.Status)
	assert.Equal(t, "threshold_validation", a.Layer)

	require.Len(t, h.catalog.updates, 1)
	require.NotNil(t, h.catalog.updates[0].RequiresApproval)
	assert.True(t, *h.catalog.updates[0].RequiresApproval)

	assert.Equal(t, 1, summary.Statistics.QueuedForApproval)
	assert.Equal(t, 1, summary.Statistics.UnchangedItems)
	assert.Equal(t, 0, summary.Statistics.RejectedPriceChanges)
}

func TestRunPass_SmallRejectionRecordsNote(t *testing.T) {
	h := newHarness(t, fastOptions(), item("dune", "B000000001", "60"))
	h.fetcher.obs["B000000001"] = priced("72")

	summary := h.orch.RunPass(context.Background())

	assert.Empty(t, h.catalog.applied)
	assert.Empty(t, h.catalog.flagged)
	require.Len(t, h.catalog.updates, 1)
	u := h.catalog.updates[0]
	assert.True(t, u.IncrementFailures)
	assert.Equal(t, " | REJECTED: extreme_change_20.0pct_exceeds_15pct_limit (20.0%)", u.AppendNote)
	assert.Nil(t, u.Price)

	assert.Equal(t, 1, summary.Statistics.RejectedPriceChanges)
	assert.Equal(t, 0.0, summary.ValidationRate)
	require.Len(t, summary.Changes, 1)
	assert.Equal(t, model.ChangeRejected, summary.Changes[0].Outcome)
}

func TestRunPass_ChangeJustOverThresholdQueued(t *testing.T) {
	// 100.01 -> 150.02 is a 50.005% rise, which rounds to 50.00.
	h := newHarness(t, fastOptions(), item("dune", "B000000001", "100.01"))
	h.fetcher.obs["B000000001"] = priced("150.02")

	summary := h.orch.RunPass(context.Background())

	require.Len(t, h.catalog.flagged, 1)
	assert.Equal(t, "dune", h.catalog.flagged[0].ItemID)
	require.Len(t, h.catalog.updates, 1)
	assert.False(t, h.catalog.updates[0].IncrementFailures)
	assert.Empty(t, h.catalog.updates[0].AppendNote)
	assert.Equal(t, 1, summary.Statistics.QueuedForApproval)
	assert.Equal(t, 0, summary.Statistics.RejectedPriceChanges)
}

func TestRunPass_ExceptionsBypassApprovalGate(t *testing.T) {
	restock := item("restock", "B000000001", "0")
	restock.PriceStatus = model.PriceStatusOutOfStock
	h := newHarness(t, fastOptions(), restock, item("sold-out", "B000000002", "30"))
	h.fetcher.obs["B000000001"] = priced("18")
	h.fetcher.obs["B000000002"] = priced("0")

	summary := h.orch.RunPass(context.Background())

	assert.Empty(t, h.catalog.flagged)
	require.Len(t, h.catalog.applied, 2)
	assert.Equal(t, model.PriceStatusInStock, h.catalog.applied[0].update.Status)
	assert.Equal(t, model.PriceStatusOutOfStock, h.catalog.applied[1].update.Status)
	assert.Equal(t, 2, summary.Statistics.UpdatedItems)
	assert.Equal(t, 1, summary.Statistics.OutOfStockItems)
	assert.Equal(t, 1, summary.Statistics.PriceIncreases)
	assert.Equal(t, 1, summary.Statistics.PriceDecreases)
}

func TestRunPass_FetchFailureMarksError(t *testing.T) {
	h := newHarness(t, fastOptions(), item("dune", "B000000001", "10"), item("nolink", "", "10"))
	h.fetcher.obs["B000000001"] = model.Observation{Err: "product page not found (404)"}

	summary := h.orch.RunPass(context.Background())

	assert.Equal(t, []string{"B000000001"}, h.fetcher.calls)
	require.Len(t, h.catalog.updates, 2)
	for _, u := range h.catalog.updates {
		assert.Equal(t, model.PriceStatusError, u.Status)
		assert.True(t, u.IncrementFailures)
		require.NotNil(t, u.Notes)
	}
	assert.Equal(t, "product page not found (404)", *h.catalog.updates[0].Notes)
	assert.Equal(t, "could not extract ASIN", *h.catalog.updates[1].Notes)

	assert.Equal(t, 2, summary.Statistics.ErrorItems)
	assert.Equal(t, 0.0, summary.SuccessRate)
	assert.True(t, summary.Success)
}

func TestRunPass_ASINFromAffiliateLink(t *testing.T) {
	it := item("dune", "", "10")
	it.AffiliateLink = "https://www.amazon.com/dp/0441172717?tag=shelf-20"
	h := newHarness(t, fastOptions(), it)
	h.fetcher.obs["0441172717"] = priced("10.50")

	h.orch.RunPass(context.Background())

	assert.Equal(t, []string{"0441172717"}, h.fetcher.calls)
	assert.Len(t, h.catalog.applied, 1)
}

func TestRunPass_BreakerOpenSkipsItem(t *testing.T) {
	h := newHarness(t, fastOptions(), item("a", "B000000001", "10"), item("b", "B000000002", "10"))
	h.fetcher.errs["B000000001"] = resilience.ErrBreakerOpen
	h.fetcher.obs["B000000002"] = priced("10")

	summary := h.orch.RunPass(context.Background())

	assert.Equal(t, 1, summary.Statistics.SkippedItems)
	assert.Equal(t, 1, summary.Statistics.UnchangedItems)
	assert.Len(t, h.catalog.applied, 1)
	assert.Empty(t, h.catalog.updates)
}

func TestRunPass_WriteErrorContinues(t *testing.T) {
	h := newHarness(t, fastOptions(), item("a", "B000000001", "10"), item("b", "B000000002", "10"))
	h.fetcher.obs["B000000001"] = priced("11")
	h.fetcher.obs["B000000002"] = priced("11")
	h.catalog.errFor["a"] = eris.New("constraint violated")

	summary := h.orch.RunPass(context.Background())

	stats := summary.Statistics
	assert.True(t, summary.Success)
	assert.Equal(t, 1, stats.ErrorItems)
	assert.Equal(t, 1, stats.FailedUpdates)
	assert.Equal(t, 1, stats.UpdatedItems)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "a: constraint violated")
	assert.Equal(t, "Price update completed with failures: 1 updated, 1 failed writes", summary.Message)
}

func TestRunPass_StoreUnavailableStopsPass(t *testing.T) {
	h := newHarness(t, fastOptions(),
		item("a", "B000000001", "10"), item("b", "B000000002", "10"), item("c", "B000000003", "10"))
	for _, asin := range []string{"B000000001", "B000000002", "B000000003"} {
		h.fetcher.obs[asin] = priced("11")
	}
	h.catalog.errFor["a"] = eris.Wrap(driver.ErrBadConn, "store: apply price change")

	summary := h.orch.RunPass(context.Background())

	assert.False(t, summary.Success)
	assert.Equal(t, []string{"B000000001"}, h.fetcher.calls)
	assert.Equal(t, 1, summary.Statistics.ErrorItems)
	assert.Equal(t, 2, summary.Statistics.SkippedItems)
	assert.Contains(t, summary.Message, "stopped early (store unavailable)")
}

func TestRunPass_TimeBudgetTruncates(t *testing.T) {
	opts := fastOptions()
	opts.MaxRunDuration = 50 * time.Millisecond
	h := newHarness(t, opts,
		item("a", "B000000001", "10"), item("slow", "B000000002", "10"), item("c", "B000000003", "10"))
	h.fetcher.obs["B000000001"] = priced("10")
	h.fetcher.obs["B000000003"] = priced("10")

	summary := h.orch.RunPass(context.Background())

	assert.True(t, summary.Success)
	assert.True(t, summary.Truncated)
	assert.Equal(t, 1, summary.Statistics.UnchangedItems)
	assert.Equal(t, 2, summary.Statistics.SkippedItems)
	assert.Len(t, h.catalog.applied, 1)
	assert.Contains(t, summary.Message, "stopped early (time budget spent), 2 items left for next pass")
}

func TestRunPass_DryRunWritesNothing(t *testing.T) {
	opts := fastOptions()
	opts.DryRun = true
	h := newHarness(t, opts,
		item("a", "B000000001", "60"), item("b", "B000000002", "20"), item("c", "B000000003", "60"))
	h.fetcher.obs["B000000001"] = priced("55")
	h.fetcher.obs["B000000002"] = priced("31")
	h.fetcher.obs["B000000003"] = priced("72")

	summary := h.orch.RunPass(context.Background())

	assert.Empty(t, h.catalog.applied)
	assert.Empty(t, h.catalog.updates)
	assert.Empty(t, h.catalog.flagged)
	assert.Empty(t, h.runs.saved)
	assert.Len(t, h.notifier.runs, 1)

	stats := summary.Statistics
	assert.Equal(t, 1, stats.UpdatedItems)
	assert.Equal(t, 1, stats.QueuedForApproval)
	assert.Equal(t, 1, stats.RejectedPriceChanges)
}

func TestRunPass_NotifierErrorDoesNotFailPass(t *testing.T) {
	h := newHarness(t, fastOptions(), item("a", "B000000001", "10"))
	h.fetcher.obs["B000000001"] = priced("10.50")
	h.notifier.err = eris.New("smtp down")

	summary := h.orch.RunPass(context.Background())

	assert.True(t, summary.Success)
	require.Len(t, h.runs.saved, 1)
	assert.Equal(t, "run-1", summary.ID)
	assert.Len(t, h.observer.runs, 1)
}

func TestProcessItem_Single(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.fetcher.obs["B000000001"] = priced("31")

	res := h.orch.ProcessItem(context.Background(), item("dune", "B000000001", "20"))

	assert.Equal(t, OutcomeQueued, res.Outcome)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, validation.LayerThreshold, res.Verdict.Layer)
	assert.NoError(t, res.Err)
}

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{Delay: -time.Second}.withDefaults()
	assert.Equal(t, 50, o.Limit)
	assert.Equal(t, time.Duration(0), o.Delay)
	assert.Equal(t, 280*time.Second, o.MaxRunDuration)
	assert.True(t, o.ApprovalThreshold.Equal(decimal.NewFromInt(50)))
}
