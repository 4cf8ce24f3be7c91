package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistorySource identifies who applied a price change.
type HistorySource string

const (
	HistorySourceAutomated     HistorySource = "automated"
	HistorySourceAdminApproved HistorySource = "admin_approved"
)

// HistoryRecord is one row of the append-only price ledger.
type HistoryRecord struct {
	ID            string           `json:"id"`
	ItemID        string           `json:"item_id"`
	OldPrice      decimal.Decimal  `json:"old_price"`
	NewPrice      decimal.Decimal  `json:"new_price"`
	ChangeAmount  decimal.Decimal  `json:"change_amount"`
	ChangePercent *decimal.Decimal `json:"change_percent,omitempty"`
	Source        HistorySource    `json:"source"`
	Notes         string           `json:"notes,omitempty"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

// NewHistoryRecord builds a ledger row for a transition from oldPrice to
// newPrice. ChangePercent is nil when oldPrice is zero.
func NewHistoryRecord(itemID string, oldPrice, newPrice decimal.Decimal, source HistorySource, notes string, at time.Time) HistoryRecord {
	rec := HistoryRecord{
		ItemID:       itemID,
		OldPrice:     oldPrice,
		NewPrice:     newPrice,
		ChangeAmount: newPrice.Sub(oldPrice),
		Source:       source,
		Notes:        notes,
		RecordedAt:   at,
	}
	if !oldPrice.IsZero() {
		pct := rec.ChangeAmount.Mul(decimal.NewFromInt(100)).Div(oldPrice).Round(2)
		rec.ChangePercent = &pct
	}
	return rec
}

// HistoryFilter narrows a history listing.
type HistoryFilter struct {
	ItemID string    `json:"item_id,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}
