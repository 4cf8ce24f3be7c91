package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatistics_Rates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		stats          RunStatistics
		wantSuccess    float64
		wantValidation float64
	}{
		{"empty", RunStatistics{}, 0, 100},
		{"all clean", RunStatistics{TotalItems: 4, UpdatedItems: 2, UnchangedItems: 2}, 100, 100},
		{"one error of three", RunStatistics{TotalItems: 3, UpdatedItems: 1, UnchangedItems: 1, ErrorItems: 1}, 66.7, 100},
		{"rejections", RunStatistics{TotalItems: 8, UnchangedItems: 8, RejectedPriceChanges: 1}, 100, 87.5},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.wantSuccess, tt.stats.SuccessRate(), 0.001)
			assert.InDelta(t, tt.wantValidation, tt.stats.ValidationRate(), 0.001)
		})
	}
}

func TestRunSummary_Finalize(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	s := RunSummary{
		StartedAt:  start,
		Statistics: RunStatistics{TotalItems: 2, UpdatedItems: 1, ErrorItems: 1},
	}
	s.Finalize(start.Add(1500 * time.Millisecond))

	assert.Equal(t, 50.0, s.SuccessRate)
	assert.Equal(t, 100.0, s.ValidationRate)
	assert.InDelta(t, 1.5, s.DurationSeconds, 0.001)
}

func TestNewHistoryRecord(t *testing.T) {
	t.Parallel()

	at := time.Now().UTC()
	rec := NewHistoryRecord("item-1", decimal.NewFromInt(20), decimal.RequireFromString("22.50"), HistorySourceAutomated, "", at)
	assert.True(t, rec.ChangeAmount.Equal(decimal.RequireFromString("2.5")))
	require.NotNil(t, rec.ChangePercent)
	assert.True(t, rec.ChangePercent.Equal(decimal.RequireFromString("12.5")))

	restock := NewHistoryRecord("item-2", decimal.Zero, decimal.NewFromInt(9), HistorySourceAdminApproved, "note", at)
	assert.Nil(t, restock.ChangePercent)
	assert.Equal(t, HistorySourceAdminApproved, restock.Source)
}

func TestStatusValues(t *testing.T) {
	t.Parallel()

	assert.True(t, PriceStatusOutOfStock.Valid())
	assert.False(t, PriceStatus("discontinued").Valid())
	assert.True(t, ApprovalRejected.Terminal())
	assert.False(t, ApprovalPending.Terminal())
	assert.True(t, Item{FailedAttempts: MaxFailedAttempts}.PermanentlySkipped())
	assert.False(t, Item{FailedAttempts: 4}.PermanentlySkipped())
}
