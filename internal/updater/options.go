package updater

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/store"
)

// Catalog is the slice of the store an update pass writes to.
type Catalog interface {
	ListDueItems(ctx context.Context, filter store.DueFilter) ([]model.Item, error)
	UpdateItem(ctx context.Context, u model.ItemUpdate) error
	ApplyPriceChange(ctx context.Context, u model.ItemUpdate, rec *model.HistoryRecord) error
	FlagForApproval(ctx context.Context, u model.ItemUpdate, a model.PendingApproval) (string, error)
}

// RunNotifier receives the summary of every finished pass.
type RunNotifier interface {
	NotifyRun(ctx context.Context, summary model.RunSummary) error
}

// Observer is told about every finished pass, after it has been stored.
type Observer interface {
	ObserveRun(ctx context.Context, summary model.RunSummary)
}

// Options tunes an update pass.
type Options struct {
	// Limit caps how many due items one pass loads.
	Limit int
	// Cutoff is how old a successful check must be before the item is due again.
	Cutoff time.Duration
	// Delay is the pause between consecutive items.
	Delay time.Duration
	// MaxRunDuration bounds the whole pass; items not reached are left for the next one.
	MaxRunDuration time.Duration
	// ApprovalThreshold is the absolute percent change above which a
	// non-exception change is sent to a reviewer instead of being applied.
	ApprovalThreshold decimal.Decimal
	// DryRun validates and reports without writing to the catalog.
	DryRun bool
}

// DefaultOptions returns the production pass settings.
func DefaultOptions() Options {
	return Options{
		Limit:             50,
		Cutoff:            25 * time.Hour,
		Delay:             2 * time.Second,
		MaxRunDuration:    280 * time.Second,
		ApprovalThreshold: decimal.NewFromInt(50),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Limit <= 0 {
		o.Limit = def.Limit
	}
	if o.Cutoff <= 0 {
		o.Cutoff = def.Cutoff
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.MaxRunDuration <= 0 {
		o.MaxRunDuration = def.MaxRunDuration
	}
	if !o.ApprovalThreshold.IsPositive() {
		o.ApprovalThreshold = def.ApprovalThreshold
	}
	return o
}
