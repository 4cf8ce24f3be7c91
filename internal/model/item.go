package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceStatus is the availability state recorded for a catalog item.
type PriceStatus string

const (
	PriceStatusInStock    PriceStatus = "in_stock"
	PriceStatusOutOfStock PriceStatus = "out_of_stock"
	PriceStatusError      PriceStatus = "error"
	PriceStatusDisabled   PriceStatus = "disabled"
)

// Valid reports whether s is one of the known statuses.
func (s PriceStatus) Valid() bool {
	switch s {
	case PriceStatusInStock, PriceStatusOutOfStock, PriceStatusError, PriceStatusDisabled:
		return true
	}
	return false
}

// MaxFailedAttempts is the failure count at which an item drops out of
// automated refreshes until someone resets it.
const MaxFailedAttempts = 5

// Item is a product in the affiliate catalog.
type Item struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	ASIN             string          `json:"asin,omitempty"`
	AffiliateLink    string          `json:"affiliate_link,omitempty"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	PriceStatus      PriceStatus     `json:"price_status"`
	LastCheckedAt    *time.Time      `json:"last_checked_at,omitempty"`
	PriceUpdatedAt   *time.Time      `json:"price_updated_at,omitempty"`
	FailedAttempts   int             `json:"failed_attempts"`
	RequiresApproval bool            `json:"requires_approval"`
	Notes            string          `json:"notes,omitempty"`
}

// PermanentlySkipped reports whether the item has exhausted its fetch attempts.
func (i Item) PermanentlySkipped() bool {
	return i.FailedAttempts >= MaxFailedAttempts
}

// ItemUpdate is a partial update of a catalog row. Zero-valued optional
// fields leave the stored column untouched.
type ItemUpdate struct {
	ItemID    string    `json:"item_id"`
	CheckedAt time.Time `json:"checked_at"`

	Price            *decimal.Decimal `json:"price,omitempty"`
	Status           PriceStatus      `json:"status,omitempty"`
	RequiresApproval *bool            `json:"requires_approval,omitempty"`

	ResetFailures     bool `json:"reset_failures,omitempty"`
	IncrementFailures bool `json:"increment_failures,omitempty"`

	// Notes replaces the notes column when set; AppendNote is concatenated
	// onto the existing value.
	Notes      *string `json:"notes,omitempty"`
	AppendNote string  `json:"append_note,omitempty"`
}

// Observation is the result of one price lookup. A nil Price means the
// fetch produced nothing usable; Err explains why.
type Observation struct {
	Price   *decimal.Decimal `json:"price,omitempty"`
	InStock bool             `json:"in_stock"`
	Err     string           `json:"error,omitempty"`
}

// HasPrice reports whether the observation carries a price.
func (o Observation) HasPrice() bool {
	return o.Price != nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
