package validation

import (
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Engine runs the layered price checks. It holds only its policy and is
// safe for concurrent use.
type Engine struct {
	policy Policy
}

// NewEngine returns an Engine using p.
func NewEngine(p Policy) *Engine {
	return &Engine{policy: p}
}

// Policy returns the thresholds the engine was built with.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Validate classifies the transition from oldPrice to newPrice. A nil
// newPrice means there was no observation and yields a timestamp-only
// verdict. itemTitle is accepted for callers that log the verdict; it does
// not affect the outcome.
func (e *Engine) Validate(oldPrice decimal.Decimal, newPrice *decimal.Decimal, itemTitle string) Verdict {
	if newPrice == nil {
		return Verdict{
			IsValid: true,
			Action:  ActionTimestampOnly,
			Reason:  Reason{Code: ReasonNoPriceFound},
			Layer:   LayerSanity,
		}
	}
	n := *newPrice

	if v, done := e.sanity(oldPrice, n); done {
		return v
	}
	if v, done := exception(oldPrice, n); done {
		return v
	}

	pct := n.Sub(oldPrice).Mul(hundred).Div(oldPrice)
	details := Details{}

	if v, done := e.threshold(oldPrice, pct, &details); done {
		return v
	}
	if v, done := e.statistical(pct, &details); done {
		return v
	}
	if v, done := e.context(oldPrice, n, pct, &details); done {
		return v
	}

	return Verdict{
		IsValid:       true,
		Action:        ActionApprove,
		Reason:        Reason{Code: ReasonValidChange},
		PercentChange: pct.Round(2),
		RawPercent:    pct,
		Layer:         LayerAllPassed,
		Details:       details,
	}
}

// ValidateFloat is Validate for callers holding float64 prices. NaN or
// infinite inputs fail the sanity layer.
func (e *Engine) ValidateFloat(oldPrice float64, newPrice *float64, itemTitle string) Verdict {
	if newPrice == nil {
		return e.Validate(decimal.NewFromFloat(oldPrice), nil, itemTitle)
	}
	if badFloat(oldPrice) || badFloat(*newPrice) {
		return reject(LayerSanity, Reason{Code: ReasonCorruptValue}, decimal.Zero, Details{})
	}
	n := decimal.NewFromFloat(*newPrice)
	return e.Validate(decimal.NewFromFloat(oldPrice), &n, itemTitle)
}

func badFloat(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

func (e *Engine) sanity(oldPrice, newPrice decimal.Decimal) (Verdict, bool) {
	var code ReasonCode
	switch {
	case oldPrice.IsNegative() || newPrice.IsNegative():
		code = ReasonNegativePrice
	case newPrice.GreaterThan(e.policy.MaxPrice):
		code = ReasonPriceTooHigh
	case newPrice.IsPositive() && newPrice.LessThan(e.policy.MinPrice):
		code = ReasonPriceTooLow
	default:
		return Verdict{}, false
	}
	return reject(LayerSanity, Reason{Code: code}, decimal.Zero, Details{}), true
}

func exception(oldPrice, newPrice decimal.Decimal) (Verdict, bool) {
	switch {
	case oldPrice.IsZero() && newPrice.IsPositive():
		return accept(ReasonRestocking, hundred), true
	case oldPrice.IsPositive() && newPrice.IsZero():
		return accept(ReasonOutOfStock, hundred.Neg()), true
	case oldPrice.IsZero() && newPrice.IsZero():
		return Verdict{
			IsValid: true,
			Action:  ActionTimestampOnly,
			Reason:  Reason{Code: ReasonBothZero},
			Layer:   LayerException,
		}, true
	}
	return Verdict{}, false
}

func (e *Engine) threshold(oldPrice, pct decimal.Decimal, d *Details) (Verdict, bool) {
	band := e.policy.bandFor(oldPrice)
	limit := band.MaxChange
	d.PriceCategory = band.Name
	d.MaxChangePercent = &limit

	abs := pct.Abs()
	if abs.GreaterThan(limit) {
		return reject(LayerThreshold, Reason{Code: ReasonExtremeChange, Magnitude: pct, Limit: limit}, pct, *d), true
	}

	switch {
	case abs.GreaterThan(e.policy.LargeChange):
		d.ChangeMagnitude = MagnitudeLarge
	case abs.GreaterThan(e.policy.ModerateChange):
		d.ChangeMagnitude = MagnitudeModerate
	default:
		d.ChangeMagnitude = MagnitudeNormal
	}
	return Verdict{}, false
}

func (e *Engine) statistical(pct decimal.Decimal, d *Details) (Verdict, bool) {
	abs := pct.Abs()
	z := abs.Div(e.policy.ZScoreDivisor).Round(2).InexactFloat64()
	d.ZScore = &z
	d.ZScoreThreshold = e.policy.ZScoreThreshold()

	if abs.GreaterThan(e.policy.OutlierPercent) {
		return reject(LayerStatistical, Reason{Code: ReasonStatisticalOutlier, Magnitude: pct}, pct, *d), true
	}
	return Verdict{}, false
}

func (e *Engine) context(oldPrice, newPrice, pct decimal.Decimal, d *Details) (Verdict, bool) {
	p := e.policy
	var factors []ContextFactor
	if newPrice.IsInteger() && newPrice.GreaterThan(p.RoundNumberFloor) {
		factors = append(factors, FactorRoundNumber)
	}
	if pct.GreaterThan(p.ExtremeIncreasePercent) && oldPrice.GreaterThan(p.EstablishedFloor) {
		factors = append(factors, FactorExtremeIncrease)
	}
	if newPrice.GreaterThan(p.SuspiciousNewPrice) && oldPrice.LessThan(p.SuspiciousOldCeiling) {
		factors = append(factors, FactorSuspiciousPriceRange)
	}
	d.ContextFactors = factors

	if len(factors) >= p.MaxContextFactors {
		return reject(LayerContext, Reason{Code: ReasonSuspiciousContext, Magnitude: pct, Factors: factors}, pct, *d), true
	}
	return Verdict{}, false
}

func accept(code ReasonCode, pct decimal.Decimal) Verdict {
	return Verdict{
		IsValid:       true,
		Action:        ActionApprove,
		Reason:        Reason{Code: code},
		PercentChange: pct,
		RawPercent:    pct,
		Layer:         LayerException,
	}
}

func reject(layer Layer, reason Reason, pct decimal.Decimal, d Details) Verdict {
	return Verdict{
		IsValid:       false,
		Action:        ActionReject,
		Reason:        reason,
		PercentChange: pct.Round(2),
		RawPercent:    pct,
		Layer:         layer,
		Details:       d,
	}
}
