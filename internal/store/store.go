package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/resilience"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrAlreadyResolved is returned when an approval is no longer pending.
	ErrAlreadyResolved = eris.New("store: approval already resolved")
)

// DueFilter selects catalog items that need a price refresh.
type DueFilter struct {
	Cutoff            time.Time `json:"cutoff"`
	Limit             int       `json:"limit,omitempty"`
	MaxFailedAttempts int       `json:"max_failed_attempts,omitempty"`
}

// ItemFilter narrows a catalog listing.
type ItemFilter struct {
	Status            model.PriceStatus `json:"status,omitempty"`
	MinFailedAttempts int               `json:"min_failed_attempts,omitempty"`
	Limit             int               `json:"limit,omitempty"`
}

// ApprovalFilter narrows the review queue listing. An empty Status means
// pending; StatusAll lists every row.
type ApprovalFilter struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// StatusAll is the ApprovalFilter status that disables status filtering.
const StatusAll = "all"

// CatalogStore persists catalog items.
type CatalogStore interface {
	ListDueItems(ctx context.Context, filter DueFilter) ([]model.Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error)
	GetItem(ctx context.Context, id string) (*model.Item, error)
	UpdateItem(ctx context.Context, u model.ItemUpdate) error
	// ApplyPriceChange writes u and, when rec is set, appends rec and
	// rejects any pending approval for the item as superseded.
	ApplyPriceChange(ctx context.Context, u model.ItemUpdate, rec *model.HistoryRecord) error
	FlagForApproval(ctx context.Context, u model.ItemUpdate, a model.PendingApproval) (string, error)
	ResetFailedAttempts(ctx context.Context, id string) error
	UpsertItems(ctx context.Context, items []model.Item) (int64, error)
	CountPermanentlySkipped(ctx context.Context) (int, error)
}

// ApprovalStore persists the price review queue.
type ApprovalStore interface {
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.PendingApproval, error)
	GetApproval(ctx context.Context, id string) (*model.PendingApproval, error)
	ResolveApproval(ctx context.Context, r model.Resolution) (*model.PendingApproval, error)
	ApprovalStats(ctx context.Context, since time.Time) (model.ApprovalStats, error)
}

// HistoryLog reads the append-only price ledger. Rows are written by
// ApplyPriceChange and ResolveApproval inside their transactions.
type HistoryLog interface {
	ListHistory(ctx context.Context, filter model.HistoryFilter) ([]model.HistoryRecord, error)
}

// RunLog keeps summaries of past update passes.
type RunLog interface {
	SaveRun(ctx context.Context, run *model.RunSummary) error
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.RunSummary, error)
}

// Store is the full persistence surface of the price service.
type Store interface {
	CatalogStore
	ApprovalStore
	HistoryLog
	RunLog

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// IsUnavailable reports whether err means the database cannot be reached,
// as opposed to a failure of one statement.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return resilience.IsTransient(err)
}
