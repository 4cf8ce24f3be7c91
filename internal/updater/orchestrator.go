// Package updater runs price refresh passes over the catalog: fetch each due
// item, validate the observed change, and apply, queue, or reject it.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mybookshelf/pricewatch/internal/fetcher"
	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/resilience"
	"github.com/mybookshelf/pricewatch/internal/store"
	"github.com/mybookshelf/pricewatch/internal/validation"
)

// Outcome is what a pass did with one item.
type Outcome string

const (
	OutcomeUpdated     Outcome = "updated"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeQueued      Outcome = "queued"
	OutcomeRejected    Outcome = "rejected"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeSkipped     Outcome = "skipped"
)

// ItemResult describes the handling of a single item. Err is set when the
// decision could not be persisted.
type ItemResult struct {
	ItemID   string
	Title    string
	Outcome  Outcome
	Verdict  *validation.Verdict
	OldPrice decimal.Decimal
	NewPrice *decimal.Decimal
	Status   model.PriceStatus
	Note     string
	Err      error
}

// errStopPass aborts the remaining items of a pass.
var errStopPass = errors.New("updater: stop pass")

// Orchestrator drives update passes. It is safe to reuse across passes but
// not to run two passes at once against the same catalog.
type Orchestrator struct {
	catalog   Catalog
	runs      store.RunLog
	fetcher   fetcher.PriceFetcher
	engine    *validation.Engine
	notifier  RunNotifier
	observers []Observer
	opts      Options

	nowFunc func() time.Time
}

// New creates an Orchestrator. runs and notifier may be nil.
func New(catalog Catalog, runs store.RunLog, f fetcher.PriceFetcher, engine *validation.Engine, notifier RunNotifier, opts Options, observers ...Observer) *Orchestrator {
	return &Orchestrator{
		catalog:   catalog,
		runs:      runs,
		fetcher:   f,
		engine:    engine,
		notifier:  notifier,
		observers: observers,
		opts:      opts.withDefaults(),
		nowFunc:   time.Now,
	}
}

// RunPass loads the items due for a refresh and processes them.
func (o *Orchestrator) RunPass(ctx context.Context) model.RunSummary {
	started := o.nowFunc()
	items, err := o.catalog.ListDueItems(ctx, store.DueFilter{
		Cutoff:            started.Add(-o.opts.Cutoff),
		Limit:             o.opts.Limit,
		MaxFailedAttempts: model.MaxFailedAttempts,
	})
	if err != nil {
		zap.L().Error("updater: load due items", zap.Error(err))
		summary := model.RunSummary{
			Success:   false,
			Message:   fmt.Sprintf("Failed to load items: %v", err),
			StartedAt: started,
		}
		summary.Statistics.Errors = []string{err.Error()}
		summary.Finalize(o.nowFunc())
		o.finish(ctx, &summary)
		return summary
	}
	return o.ProcessItems(ctx, items)
}

// ProcessItems runs one pass over items in order, pacing requests and
// stopping when the run budget is spent.
func (o *Orchestrator) ProcessItems(ctx context.Context, items []model.Item) model.RunSummary {
	summary := model.RunSummary{StartedAt: o.nowFunc(), Success: true}
	stats := &summary.Statistics
	stats.TotalItems = len(items)

	if len(items) == 0 {
		summary.Message = "No updates needed"
		summary.Finalize(o.nowFunc())
		o.finish(ctx, &summary)
		return summary
	}

	log := zap.L().With(zap.Int("items", len(items)), zap.Bool("dry_run", o.opts.DryRun))
	log.Info("updater: starting pass")

	runCtx, cancel := context.WithTimeout(ctx, o.opts.MaxRunDuration)
	defer cancel()

	limit := rate.Inf
	if o.opts.Delay > 0 {
		limit = rate.Every(o.opts.Delay)
	}
	pacer := rate.NewLimiter(limit, 1)

	var stopReason string
	for i, it := range items {
		if err := pacer.Wait(runCtx); err != nil {
			stopReason = "time budget spent"
			stats.SkippedItems += len(items) - i
			summary.Truncated = true
			break
		}

		res := o.processItem(runCtx, ctx, it)
		if errors.Is(res.Err, errStopPass) {
			stats.SkippedItems += len(items) - i
			summary.Truncated = true
			stopReason = "time budget spent"
			if ctx.Err() != nil {
				stopReason = "cancelled"
			}
			break
		}
		o.tally(&summary, res)

		if res.Err != nil && store.IsUnavailable(res.Err) {
			log.Error("updater: store unavailable, stopping pass", zap.Error(res.Err))
			stats.SkippedItems += len(items) - i - 1
			summary.Success = false
			stopReason = "store unavailable"
			break
		}
	}

	summary.Message = passMessage(stats, stopReason)
	summary.Finalize(o.nowFunc())
	log.Info("updater: pass finished",
		zap.Int("updated", stats.UpdatedItems),
		zap.Int("unchanged", stats.UnchangedItems),
		zap.Int("errors", stats.ErrorItems),
		zap.Int("queued", stats.QueuedForApproval),
		zap.Int("rejected", stats.RejectedPriceChanges),
		zap.Int("skipped", stats.SkippedItems),
		zap.Float64("duration_seconds", summary.DurationSeconds),
	)
	o.finish(ctx, &summary)
	return summary
}

func passMessage(stats *model.RunStatistics, stopReason string) string {
	msg := fmt.Sprintf("Price update completed: %d updated, %d unchanged, %d errors",
		stats.UpdatedItems, stats.UnchangedItems, stats.ErrorItems)
	if stats.FailedUpdates > 0 {
		msg = fmt.Sprintf("Price update completed with failures: %d updated, %d failed writes",
			stats.UpdatedItems, stats.FailedUpdates)
	}
	if stopReason != "" {
		msg += fmt.Sprintf("; stopped early (%s), %d items left for next pass", stopReason, stats.SkippedItems)
	}
	return msg
}

// finish stores the summary and hands it to the notifier and observers.
// None of these can fail the pass.
func (o *Orchestrator) finish(ctx context.Context, summary *model.RunSummary) {
	// Reporting must still happen when the caller's context has been cancelled.
	ctx = context.WithoutCancel(ctx)

	if o.runs != nil && !o.opts.DryRun {
		if err := o.runs.SaveRun(ctx, summary); err != nil {
			zap.L().Warn("updater: save run summary", zap.Error(err))
		}
	}
	if o.notifier != nil {
		if err := o.notifier.NotifyRun(ctx, *summary); err != nil {
			zap.L().Warn("updater: send run notification", zap.Error(err))
		}
	}
	for _, obs := range o.observers {
		obs.ObserveRun(ctx, *summary)
	}
}

// ProcessItem fetches, validates, and persists one item.
func (o *Orchestrator) ProcessItem(ctx context.Context, it model.Item) ItemResult {
	return o.processItem(ctx, ctx, it)
}

// processItem fetches under fetchCtx, which carries the run budget, and
// writes under ctx so a decision already made is not lost to the deadline.
func (o *Orchestrator) processItem(fetchCtx, ctx context.Context, it model.Item) ItemResult {
	res := ItemResult{ItemID: it.ID, Title: it.Title, OldPrice: it.CurrentPrice}
	log := zap.L().With(zap.String("item_id", it.ID), zap.String("title", it.Title))

	if it.PermanentlySkipped() {
		res.Outcome = OutcomeSkipped
		res.Note = "too many failed attempts"
		return res
	}

	now := o.nowFunc()
	obs := model.Observation{Err: "could not extract ASIN"}
	if asin := fetcher.ItemASIN(it); asin != "" {
		var err error
		obs, err = o.fetcher.Fetch(fetchCtx, asin)
		switch {
		case errors.Is(err, resilience.ErrBreakerOpen):
			res.Outcome = OutcomeSkipped
			res.Note = "price source circuit open"
			return res
		case err != nil:
			res.Err = errStopPass
			return res
		}
	}
	res.NewPrice = obs.Price

	if !obs.HasPrice() {
		res.Outcome = OutcomeFetchFailed
		res.Status = model.PriceStatusError
		res.Note = obs.Err
		log.Info("updater: no price observed", zap.String("reason", obs.Err))
		res.Err = o.write(func() error {
			return o.catalog.UpdateItem(ctx, model.ItemUpdate{
				ItemID:            it.ID,
				CheckedAt:         now,
				Status:            model.PriceStatusError,
				IncrementFailures: true,
				Notes:             model.Ptr(obs.Err),
			})
		})
		return res
	}

	verdict := o.engine.Validate(it.CurrentPrice, obs.Price, it.Title)
	res.Verdict = &verdict
	newPrice := *obs.Price

	switch {
	case verdict.Action == validation.ActionTimestampOnly:
		res.Outcome = OutcomeUnchanged
		res.Err = o.write(func() error {
			return o.catalog.UpdateItem(ctx, model.ItemUpdate{ItemID: it.ID, CheckedAt: now})
		})

	case o.needsReview(verdict):
		res.Outcome = OutcomeQueued
		res.Note = verdict.Reason.String()
		log.Info("updater: change queued for review",
			zap.String("old", it.CurrentPrice.String()),
			zap.String("new", newPrice.String()),
			zap.String("reason", res.Note),
		)
		res.Err = o.write(func() error {
			_, err := o.catalog.FlagForApproval(ctx,
				model.ItemUpdate{ItemID: it.ID, CheckedAt: now, RequiresApproval: model.Ptr(true)},
				model.PendingApproval{
					ItemID:        it.ID,
					ItemTitle:     it.Title,
					OldPrice:      it.CurrentPrice,
					NewPrice:      newPrice,
					PercentChange: verdict.PercentChange,
					Reason:        verdict.Reason.String(),
					Layer:         verdict.Layer.String(),
					Details:       verdict.DetailMap(),
					InStock:       obs.InStock,
					Status:        model.ApprovalPending,
					FlaggedAt:     now,
				})
			return err
		})

	case verdict.Action == validation.ActionReject:
		res.Outcome = OutcomeRejected
		res.Note = fmt.Sprintf(" | REJECTED: %s (%s%%)", verdict.Reason, verdict.PercentChange.StringFixed(1))
		log.Info("updater: change rejected", zap.String("reason", verdict.Reason.String()))
		res.Err = o.write(func() error {
			return o.catalog.UpdateItem(ctx, model.ItemUpdate{
				ItemID:            it.ID,
				CheckedAt:         now,
				IncrementFailures: true,
				AppendNote:        res.Note,
			})
		})

	default:
		res.Status = model.PriceStatusInStock
		if !obs.InStock || newPrice.IsZero() {
			res.Status = model.PriceStatusOutOfStock
		}
		res.Outcome = OutcomeUnchanged
		var rec *model.HistoryRecord
		if !newPrice.Equal(it.CurrentPrice) {
			res.Outcome = OutcomeUpdated
			r := model.NewHistoryRecord(it.ID, it.CurrentPrice, newPrice, model.HistorySourceAutomated, verdict.Reason.String(), now)
			rec = &r
		}
		res.Err = o.write(func() error {
			return o.catalog.ApplyPriceChange(ctx, model.ItemUpdate{
				ItemID:           it.ID,
				CheckedAt:        now,
				Price:            &newPrice,
				Status:           res.Status,
				RequiresApproval: model.Ptr(false),
				ResetFailures:    true,
			}, rec)
		})
	}

	if res.Err != nil {
		log.Error("updater: persist decision", zap.String("outcome", string(res.Outcome)), zap.Error(res.Err))
	}
	return res
}

// needsReview applies the approval gate: any change beyond the threshold
// goes to a reviewer unless it came from a known exception.
func (o *Orchestrator) needsReview(v validation.Verdict) bool {
	if v.Exception() || v.Action == validation.ActionTimestampOnly {
		return false
	}
	return v.RawPercent.Abs().GreaterThan(o.opts.ApprovalThreshold)
}

func (o *Orchestrator) write(fn func() error) error {
	if o.opts.DryRun {
		return nil
	}
	return fn()
}

func (o *Orchestrator) tally(summary *model.RunSummary, res ItemResult) {
	stats := &summary.Statistics

	if res.Err != nil {
		stats.ErrorItems++
		stats.FailedUpdates++
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", res.ItemID, res.Err))
		return
	}

	switch res.Outcome {
	case OutcomeSkipped:
		stats.SkippedItems++
	case OutcomeFetchFailed:
		stats.ErrorItems++
	case OutcomeQueued:
		stats.QueuedForApproval++
		stats.UnchangedItems++
		summary.Changes = append(summary.Changes, changeEntry(res, model.ChangeQueued))
	case OutcomeRejected:
		stats.RejectedPriceChanges++
		stats.UnchangedItems++
		summary.Changes = append(summary.Changes, changeEntry(res, model.ChangeRejected))
	case OutcomeUnchanged:
		stats.UnchangedItems++
	case OutcomeUpdated:
		stats.UpdatedItems++
		delta := res.NewPrice.Sub(res.OldPrice)
		stats.TotalPriceChange = stats.TotalPriceChange.Add(delta)
		if delta.IsPositive() {
			stats.PriceIncreases++
		} else {
			stats.PriceDecreases++
		}
		summary.Changes = append(summary.Changes, changeEntry(res, model.ChangeApplied))
	}
	if res.Status == model.PriceStatusOutOfStock {
		stats.OutOfStockItems++
	}
}

func changeEntry(res ItemResult, outcome model.ChangeOutcome) model.ChangeEntry {
	e := model.ChangeEntry{
		ItemID:   res.ItemID,
		Title:    res.Title,
		OldPrice: res.OldPrice,
		Outcome:  outcome,
	}
	if res.NewPrice != nil {
		e.NewPrice = *res.NewPrice
	}
	if res.Verdict != nil {
		e.PercentChange = res.Verdict.PercentChange
		e.Reason = res.Verdict.Reason.String()
	}
	return e
}
