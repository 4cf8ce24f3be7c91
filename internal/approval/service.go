// Package approval implements the administrator review queue for price
// changes the update pass would not apply on its own.
package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/store"
)

// DefaultReviewer is recorded when no reviewer identity is supplied.
const DefaultReviewer = "admin"

const defaultPageSize = 50

// Page is one listing of the review queue together with queue statistics.
type Page struct {
	Items  []model.PendingApproval `json:"approvals"`
	Stats  model.ApprovalStats     `json:"stats"`
	Status string                  `json:"status"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// BulkStatus is the per-id result of a bulk resolution.
type BulkStatus string

const (
	BulkResolved BulkStatus = "resolved"
	BulkSkipped  BulkStatus = "skipped"
	BulkFailed   BulkStatus = "failed"
)

// BulkOutcome reports what happened to one id in a bulk request.
type BulkOutcome struct {
	ID     string     `json:"id"`
	Status BulkStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// BulkResult aggregates a bulk resolution.
type BulkResult struct {
	Resolved int           `json:"resolved"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Outcomes []BulkOutcome `json:"outcomes"`
}

// Service resolves queued price changes.
type Service struct {
	store   store.ApprovalStore
	nowFunc func() time.Time
}

// NewService creates a Service backed by st.
func NewService(st store.ApprovalStore) *Service {
	return &Service{store: st, nowFunc: time.Now}
}

// List returns a page of the queue. Stats count today's decisions in UTC.
func (s *Service) List(ctx context.Context, filter store.ApprovalFilter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Status == "" {
		filter.Status = string(model.ApprovalPending)
	}
	if !validStatusFilter(filter.Status) {
		return nil, eris.Errorf("approval: unknown status filter %q", filter.Status)
	}

	items, err := s.store.ListApprovals(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "approval: list")
	}
	stats, err := s.store.ApprovalStats(ctx, startOfDay(s.nowFunc()))
	if err != nil {
		return nil, eris.Wrap(err, "approval: stats")
	}
	if items == nil {
		items = []model.PendingApproval{}
	}
	return &Page{
		Items:  items,
		Stats:  stats,
		Status: filter.Status,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Get returns one queued change.
func (s *Service) Get(ctx context.Context, id string) (*model.PendingApproval, error) {
	a, err := s.store.GetApproval(ctx, id)
	return a, eris.Wrapf(err, "approval: get %s", id)
}

// Approve applies the queued price to the item.
func (s *Service) Approve(ctx context.Context, id, reviewer, notes string) (*model.PendingApproval, error) {
	return s.resolve(ctx, id, model.ApprovalApproved, reviewer, notes)
}

// Reject discards the queued price and clears the item's review flag.
func (s *Service) Reject(ctx context.Context, id, reviewer, notes string) (*model.PendingApproval, error) {
	return s.resolve(ctx, id, model.ApprovalRejected, reviewer, notes)
}

// BulkApprove approves every pending id independently.
func (s *Service) BulkApprove(ctx context.Context, ids []string, reviewer, notes string) (*BulkResult, error) {
	return s.bulk(ctx, ids, model.ApprovalApproved, reviewer, notes)
}

// BulkReject rejects every pending id independently.
func (s *Service) BulkReject(ctx context.Context, ids []string, reviewer, notes string) (*BulkResult, error) {
	return s.bulk(ctx, ids, model.ApprovalRejected, reviewer, notes)
}

func (s *Service) resolve(ctx context.Context, id string, status model.ApprovalStatus, reviewer, notes string) (*model.PendingApproval, error) {
	if strings.TrimSpace(id) == "" {
		return nil, eris.New("approval: id is required")
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		reviewer = DefaultReviewer
	}

	a, err := s.store.ResolveApproval(ctx, model.Resolution{
		ApprovalID: id,
		Status:     status,
		ReviewedBy: reviewer,
		Notes:      strings.TrimSpace(notes),
		ReviewedAt: s.nowFunc().UTC(),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "approval: %s %s", verb(status), id)
	}

	zap.L().Info("approval: resolved",
		zap.String("approval_id", id),
		zap.String("item_id", a.ItemID),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer),
		zap.String("old_price", a.OldPrice.String()),
		zap.String("new_price", a.NewPrice.String()),
	)
	return a, nil
}

func (s *Service) bulk(ctx context.Context, ids []string, status model.ApprovalStatus, reviewer, notes string) (*BulkResult, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, eris.New("approval: no ids given")
	}

	res := &BulkResult{Outcomes: make([]BulkOutcome, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "approval: bulk interrupted")
		}

		out := BulkOutcome{ID: id, Status: BulkResolved}
		_, err := s.resolve(ctx, id, status, reviewer, notes)
		switch {
		case err == nil:
			res.Resolved++
		case errors.Is(err, store.ErrAlreadyResolved), errors.Is(err, store.ErrNotFound):
			out.Status = BulkSkipped
			out.Error = err.Error()
			res.Skipped++
		default:
			out.Status = BulkFailed
			out.Error = err.Error()
			res.Failed++
			zap.L().Warn("approval: bulk item failed", zap.String("approval_id", id), zap.Error(err))
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res, nil
}

func verb(status model.ApprovalStatus) string {
	if status == model.ApprovalApproved {
		return "approve"
	}
	return "reject"
}

func validStatusFilter(s string) bool {
	switch model.ApprovalStatus(s) {
	case model.ApprovalPending, model.ApprovalApproved, model.ApprovalRejected:
		return true
	}
	return s == store.StatusAll
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
