package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mybookshelf/pricewatch/internal/model"
)

// Snapshot holds a point-in-time view of the price pipeline's health.
type Snapshot struct {
	// LastRun is the most recent stored pass, nil when none exists.
	LastRun *model.RunSummary `json:"last_run,omitempty"`

	// Passes within the lookback window.
	Runs       int `json:"runs"`
	FailedRuns int `json:"failed_runs"`
	Truncated  int `json:"truncated_runs"`

	PendingApprovals   int `json:"pending_approvals"`
	PermanentlySkipped int `json:"permanently_skipped"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.RunSummary, error)
	ApprovalStats(ctx context.Context, since time.Time) (model.ApprovalStats, error)
	CountPermanentlySkipped(ctx context.Context) (int, error)
}

// Collector gathers health data from the store.
type Collector struct {
	source  Source
	nowFunc func() time.Time
}

// NewCollector creates a new health collector.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, nowFunc: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	latest, err := c.source.ListRuns(ctx, model.RunFilter{Limit: 1})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest run")
	}
	if len(latest) > 0 {
		snap.LastRun = &latest[0]
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.source.ListRuns(ctx, model.RunFilter{Since: cutoff, Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.Runs = len(runs)
	for _, r := range runs {
		if !r.Success {
			snap.FailedRuns++
		}
		if r.Truncated {
			snap.Truncated++
		}
	}

	stats, err := c.source.ApprovalStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: approval stats")
	}
	snap.PendingApprovals = stats.Pending

	skipped, err := c.source.CountPermanentlySkipped(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count skipped items")
	}
	snap.PermanentlySkipped = skipped

	return snap, nil
}
