package model

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// RunStatistics accumulates outcomes over one update pass. Every processed
// item lands in exactly one of UpdatedItems, UnchangedItems or ErrorItems.
type RunStatistics struct {
	TotalItems           int             `json:"total_items"`
	UpdatedItems         int             `json:"updated_items"`
	UnchangedItems       int             `json:"unchanged_items"`
	OutOfStockItems      int             `json:"out_of_stock_items"`
	ErrorItems           int             `json:"error_items"`
	SkippedItems         int             `json:"skipped_items"`
	PriceIncreases       int             `json:"price_increases"`
	PriceDecreases       int             `json:"price_decreases"`
	RejectedPriceChanges int             `json:"rejected_price_changes"`
	QueuedForApproval    int             `json:"queued_for_approval"`
	FailedUpdates        int             `json:"failed_updates"`
	TotalPriceChange     decimal.Decimal `json:"total_price_change"`
	Errors               []string        `json:"errors,omitempty"`
}

// Processed is the number of items that reached a terminal outcome.
func (s RunStatistics) Processed() int {
	return s.UpdatedItems + s.UnchangedItems + s.ErrorItems
}

// SuccessRate is the percentage of processed items without an error,
// rounded to one decimal. Zero when nothing was processed.
func (s RunStatistics) SuccessRate() float64 {
	processed := s.Processed()
	if processed == 0 {
		return 0
	}
	return round1(float64(processed-s.ErrorItems) / float64(processed) * 100)
}

// ValidationRate is the percentage of items whose price change was not
// rejected by validation. 100 when no items were considered.
func (s RunStatistics) ValidationRate() float64 {
	if s.TotalItems == 0 {
		return 100
	}
	return round1(float64(s.TotalItems-s.RejectedPriceChanges) / float64(s.TotalItems) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// ChangeOutcome describes what happened to an observed price change.
type ChangeOutcome string

const (
	ChangeApplied  ChangeOutcome = "applied"
	ChangeQueued   ChangeOutcome = "queued"
	ChangeRejected ChangeOutcome = "rejected"
)

// ChangeEntry is a per-item line in a run report.
type ChangeEntry struct {
	ItemID        string          `json:"item_id"`
	Title         string          `json:"title"`
	OldPrice      decimal.Decimal `json:"old_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Outcome       ChangeOutcome   `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
}

// RunSummary is the structured result of an update pass.
type RunSummary struct {
	ID              string        `json:"id,omitempty"`
	Success         bool          `json:"success"`
	Message         string        `json:"message"`
	Statistics      RunStatistics `json:"statistics"`
	SuccessRate     float64       `json:"success_rate"`
	ValidationRate  float64       `json:"validation_rate"`
	DurationSeconds float64       `json:"duration_seconds"`
	Truncated       bool          `json:"truncated,omitempty"`
	Changes         []ChangeEntry `json:"changes,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
}

// Finalize fills the derived rate and duration fields.
func (r *RunSummary) Finalize(finishedAt time.Time) {
	r.FinishedAt = finishedAt
	r.SuccessRate = r.Statistics.SuccessRate()
	r.ValidationRate = r.Statistics.ValidationRate()
	r.DurationSeconds = math.Round(finishedAt.Sub(r.StartedAt).Seconds()*100) / 100
}

// RunFilter specifies criteria for listing stored run summaries.
type RunFilter struct {
	Since time.Time `json:"since,omitempty"`
	Limit int       `json:"limit,omitempty"`
}
