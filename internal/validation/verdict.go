// Package validation classifies proposed catalog price transitions through
// five ordered layers: sanity, exceptions, banded thresholds, statistical
// outliers and contextual heuristics. The first layer that reaches a
// decision ends the evaluation.
package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Action is what the caller should do with the observed price.
type Action int

const (
	ActionTimestampOnly Action = iota
	ActionApprove
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionTimestampOnly:
		return "timestamp_only"
	case ActionApprove:
		return "approve_price_change"
	case ActionReject:
		return "reject_price_change"
	default:
		return "unknown"
	}
}

// MarshalText encodes the action by name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Layer names the stage that produced a verdict.
type Layer int

const (
	LayerSanity Layer = iota
	LayerException
	LayerThreshold
	LayerStatistical
	LayerContext
	LayerAllPassed
)

func (l Layer) String() string {
	switch l {
	case LayerSanity:
		return "sanity_checks"
	case LayerException:
		return "exception_handling"
	case LayerThreshold:
		return "threshold_validation"
	case LayerStatistical:
		return "statistical_validation"
	case LayerContext:
		return "context_validation"
	case LayerAllPassed:
		return "all_layers_passed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the layer by name.
func (l Layer) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ReasonCode is the machine-readable cause of a verdict.
type ReasonCode int

const (
	ReasonNoPriceFound ReasonCode = iota
	ReasonCorruptValue
	ReasonNegativePrice
	ReasonPriceTooHigh
	ReasonPriceTooLow
	ReasonRestocking
	ReasonOutOfStock
	ReasonBothZero
	ReasonExtremeChange
	ReasonStatisticalOutlier
	ReasonSuspiciousContext
	ReasonValidChange
)

var reasonNames = map[ReasonCode]string{
	ReasonNoPriceFound:       "no_price_found",
	ReasonCorruptValue:       "data_corruption_nan_values",
	ReasonNegativePrice:      "negative_price_values",
	ReasonPriceTooHigh:       "unreasonably_high_price",
	ReasonPriceTooLow:        "suspiciously_low_price",
	ReasonRestocking:         "legitimate_restocking",
	ReasonOutOfStock:         "legitimate_out_of_stock",
	ReasonBothZero:           "no_change_both_zero",
	ReasonExtremeChange:      "extreme_change",
	ReasonStatisticalOutlier: "statistical_outlier_detected",
	ReasonSuspiciousContext:  "multiple_suspicious_factors",
	ReasonValidChange:        "valid_price_change",
}

func (c ReasonCode) String() string {
	if name, ok := reasonNames[c]; ok {
		return name
	}
	return "unknown"
}

// ContextFactor is a heuristic that makes a price change look suspicious.
type ContextFactor string

const (
	FactorRoundNumber          ContextFactor = "round_number_price"
	FactorExtremeIncrease      ContextFactor = "extreme_increase_established_book"
	FactorSuspiciousPriceRange ContextFactor = "suspicious_price_range"
)

// Reason carries a code plus the numbers that explain it. String renders
// the flat form used in logs, notes and notifications.
type Reason struct {
	Code      ReasonCode
	Magnitude decimal.Decimal
	Limit     decimal.Decimal
	Factors   []ContextFactor
}

func (r Reason) String() string {
	switch r.Code {
	case ReasonExtremeChange:
		return fmt.Sprintf("extreme_change_%spct_exceeds_%spct_limit",
			r.Magnitude.Abs().StringFixed(1), r.Limit.String())
	case ReasonSuspiciousContext:
		if len(r.Factors) == 0 {
			return r.Code.String()
		}
		names := make([]string, len(r.Factors))
		for i, f := range r.Factors {
			names[i] = string(f)
		}
		return r.Code.String() + ":" + strings.Join(names, ",")
	default:
		return r.Code.String()
	}
}

// MarshalText encodes the formatted reason.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Magnitude buckets the size of an accepted change.
type Magnitude string

const (
	MagnitudeNormal   Magnitude = "normal"
	MagnitudeModerate Magnitude = "moderate"
	MagnitudeLarge    Magnitude = "large"
)

// Details is the diagnostic payload collected by the layers that ran.
type Details struct {
	PriceCategory    string           `json:"price_category,omitempty"`
	MaxChangePercent *decimal.Decimal `json:"max_change_percent,omitempty"`
	ChangeMagnitude  Magnitude        `json:"change_magnitude,omitempty"`
	ZScore           *float64         `json:"z_score,omitempty"`
	ZScoreThreshold  float64          `json:"z_score_threshold,omitempty"`
	ContextFactors   []ContextFactor  `json:"context_factors,omitempty"`
}

// Verdict is the outcome of validating one price transition.
type Verdict struct {
	IsValid       bool            `json:"is_valid"`
	Action        Action          `json:"action"`
	Reason        Reason          `json:"reason"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Layer         Layer           `json:"layer"`
	Details       Details         `json:"details"`

	// RawPercent is PercentChange before rounding. Threshold comparisons
	// use it so they agree with the layers.
	RawPercent decimal.Decimal `json:"-"`
}

// Exception reports whether the verdict came from a known special case
// (restock, out of stock, both zero) rather than the numeric layers.
func (v Verdict) Exception() bool {
	return v.Layer == LayerException
}

// DetailMap flattens the verdict diagnostics for JSON storage.
func (v Verdict) DetailMap() map[string]any {
	m := map[string]any{
		"layer":          v.Layer.String(),
		"reason":         v.Reason.String(),
		"percent_change": v.PercentChange.StringFixed(2),
	}
	d := v.Details
	if d.PriceCategory != "" {
		m["price_category"] = d.PriceCategory
	}
	if d.MaxChangePercent != nil {
		m["max_change_percent"] = d.MaxChangePercent.String()
	}
	if d.ChangeMagnitude != "" {
		m["change_magnitude"] = string(d.ChangeMagnitude)
	}
	if d.ZScore != nil {
		m["z_score"] = *d.ZScore
		m["z_score_threshold"] = d.ZScoreThreshold
	}
	if v.Layer == LayerContext || v.Layer == LayerAllPassed {
		factors := []string{"no_suspicious_factors"}
		if len(d.ContextFactors) > 0 {
			factors = factors[:0]
			for _, f := range d.ContextFactors {
				factors = append(factors, string(f))
			}
		}
		m["context_factors"] = factors
	}
	return m
}
