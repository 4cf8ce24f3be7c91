package validation

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Band caps the allowed percent change for items priced at or above Floor.
type Band struct {
	Name      string
	Floor     decimal.Decimal
	MaxChange decimal.Decimal
}

// Policy holds every tunable number the layers consult.
type Policy struct {
	// Sanity bounds on the new price. Prices strictly between zero and
	// MinPrice, or above MaxPrice, are rejected.
	MaxPrice decimal.Decimal
	MinPrice decimal.Decimal

	// Bands ordered by descending Floor; the last band must have Floor 0.
	Bands []Band

	LargeChange    decimal.Decimal
	ModerateChange decimal.Decimal

	// OutlierPercent is the absolute change above which a transition is a
	// statistical outlier regardless of band. ZScoreDivisor turns a percent
	// into the reported score.
	OutlierPercent decimal.Decimal
	ZScoreDivisor  decimal.Decimal

	RoundNumberFloor       decimal.Decimal
	ExtremeIncreasePercent decimal.Decimal
	EstablishedFloor       decimal.Decimal
	SuspiciousNewPrice     decimal.Decimal
	SuspiciousOldCeiling   decimal.Decimal
	MaxContextFactors      int
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	d := decimal.NewFromInt
	return Policy{
		MaxPrice: d(1000),
		MinPrice: d(1),
		Bands: []Band{
			{Name: "high_value", Floor: d(50), MaxChange: d(15)},
			{Name: "medium_value", Floor: d(20), MaxChange: d(25)},
			{Name: "low_value", Floor: d(10), MaxChange: d(35)},
			{Name: "micro_value", Floor: d(0), MaxChange: d(50)},
		},
		LargeChange:            d(20),
		ModerateChange:         d(10),
		OutlierPercent:         d(50),
		ZScoreDivisor:          d(20),
		RoundNumberFloor:       d(20),
		ExtremeIncreasePercent: d(100),
		EstablishedFloor:       d(10),
		SuspiciousNewPrice:     d(50),
		SuspiciousOldCeiling:   d(15),
		MaxContextFactors:      2,
	}
}

// ZScoreThreshold is the score equivalent of OutlierPercent.
func (p Policy) ZScoreThreshold() float64 {
	if p.ZScoreDivisor.IsZero() {
		return 0
	}
	return p.OutlierPercent.Div(p.ZScoreDivisor).InexactFloat64()
}

// Validate checks that the policy is internally consistent.
func (p Policy) Validate() error {
	if len(p.Bands) == 0 {
		return eris.New("validation: policy has no price bands")
	}
	if !p.MaxPrice.GreaterThan(p.MinPrice) {
		return eris.Errorf("validation: max_price %s must exceed min_price %s", p.MaxPrice, p.MinPrice)
	}
	for i, b := range p.Bands {
		if b.Name == "" {
			return eris.Errorf("validation: band %d has no name", i)
		}
		if !b.MaxChange.IsPositive() {
			return eris.Errorf("validation: band %s needs a positive max_change", b.Name)
		}
		if i > 0 && !b.Floor.LessThan(p.Bands[i-1].Floor) {
			return eris.Errorf("validation: band %s floor must be below %s", b.Name, p.Bands[i-1].Name)
		}
	}
	if !p.Bands[len(p.Bands)-1].Floor.IsZero() {
		return eris.New("validation: last band must start at 0")
	}
	if !p.ZScoreDivisor.IsPositive() {
		return eris.New("validation: z_score_divisor must be positive")
	}
	if p.MaxContextFactors < 1 {
		return eris.New("validation: max_context_factors must be at least 1")
	}
	return nil
}

// bandFor returns the band an old price falls into.
func (p Policy) bandFor(oldPrice decimal.Decimal) Band {
	for _, b := range p.Bands {
		if oldPrice.GreaterThanOrEqual(b.Floor) {
			return b
		}
	}
	return p.Bands[len(p.Bands)-1]
}

type policyFile struct {
	MaxPrice *float64 `yaml:"max_price"`
	MinPrice *float64 `yaml:"min_price"`
	Bands    []struct {
		Name      string  `yaml:"name"`
		Floor     float64 `yaml:"floor"`
		MaxChange float64 `yaml:"max_change"`
	} `yaml:"bands"`
	LargeChange            *float64 `yaml:"large_change"`
	ModerateChange         *float64 `yaml:"moderate_change"`
	OutlierPercent         *float64 `yaml:"outlier_percent"`
	ZScoreDivisor          *float64 `yaml:"z_score_divisor"`
	RoundNumberFloor       *float64 `yaml:"round_number_floor"`
	ExtremeIncreasePercent *float64 `yaml:"extreme_increase_percent"`
	EstablishedFloor       *float64 `yaml:"established_floor"`
	SuspiciousNewPrice     *float64 `yaml:"suspicious_new_price"`
	SuspiciousOldCeiling   *float64 `yaml:"suspicious_old_ceiling"`
	MaxContextFactors      *int     `yaml:"max_context_factors"`
}

// LoadPolicy reads a YAML override from path on top of DefaultPolicy.
// Keys absent from the file keep their default values.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, eris.Wrapf(err, "validation: read policy %s", path)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, eris.Wrap(err, "validation: parse policy")
	}

	p := DefaultPolicy()
	set := func(dst *decimal.Decimal, v *float64) {
		if v != nil {
			*dst = decimal.NewFromFloat(*v)
		}
	}
	set(&p.MaxPrice, f.MaxPrice)
	set(&p.MinPrice, f.MinPrice)
	set(&p.LargeChange, f.LargeChange)
	set(&p.ModerateChange, f.ModerateChange)
	set(&p.OutlierPercent, f.OutlierPercent)
	set(&p.ZScoreDivisor, f.ZScoreDivisor)
	set(&p.RoundNumberFloor, f.RoundNumberFloor)
	set(&p.ExtremeIncreasePercent, f.ExtremeIncreasePercent)
	set(&p.EstablishedFloor, f.EstablishedFloor)
	set(&p.SuspiciousNewPrice, f.SuspiciousNewPrice)
	set(&p.SuspiciousOldCeiling, f.SuspiciousOldCeiling)
	if f.MaxContextFactors != nil {
		p.MaxContextFactors = *f.MaxContextFactors
	}
	if len(f.Bands) > 0 {
		p.Bands = make([]Band, 0, len(f.Bands))
		for _, b := range f.Bands {
			p.Bands = append(p.Bands, Band{
				Name:      b.Name,
				Floor:     decimal.NewFromFloat(b.Floor),
				MaxChange: decimal.NewFromFloat(b.MaxChange),
			})
		}
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
