package model

import "time"

// AlertType identifies the condition that raised an alert.
type AlertType string

const (
	AlertLowSuccessRate  AlertType = "low_success_rate"
	AlertHighRejections  AlertType = "high_rejection_rate"
	AlertRunFailed       AlertType = "update_run_failed"
	AlertApprovalBacklog AlertType = "approval_backlog"
	AlertPermanentSkips  AlertType = "permanently_skipped_items"
	AlertRunOverdue      AlertType = "update_run_overdue"
)

// Severity levels for alerts.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Alert is a single operational alert.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
