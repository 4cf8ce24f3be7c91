package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApprovalStatus is the review state of a queued price change.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// PendingApproval is a price change held back for an administrator.
type PendingApproval struct {
	ID            string          `json:"id"`
	ItemID        string          `json:"item_id"`
	ItemTitle     string          `json:"item_title,omitempty"`
	OldPrice      decimal.Decimal `json:"old_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	PercentChange decimal.Decimal `json:"percentage_change"`
	Reason        string          `json:"validation_reason"`
	Layer         string          `json:"validation_layer"`
	Details       map[string]any  `json:"validation_details,omitempty"`
	InStock       bool            `json:"in_stock"`
	Status        ApprovalStatus  `json:"status"`
	FlaggedAt     time.Time       `json:"flagged_at"`
	ReviewedAt    *time.Time      `json:"reviewed_at,omitempty"`
	ReviewedBy    string          `json:"reviewed_by,omitempty"`
	Notes         string          `json:"admin_notes,omitempty"`
}

// Resolution is an administrator's decision on a pending approval.
type Resolution struct {
	ApprovalID string         `json:"approval_id"`
	Status     ApprovalStatus `json:"status"`
	ReviewedBy string         `json:"reviewed_by"`
	Notes      string         `json:"admin_notes,omitempty"`
	ReviewedAt time.Time      `json:"reviewed_at"`
}

// ApprovalStats summarizes the review queue.
type ApprovalStats struct {
	Pending       int `json:"pending"`
	ApprovedToday int `json:"approved_today"`
	RejectedToday int `json:"rejected_today"`
	TotalFlagged  int `json:"total_flagged"`
}
