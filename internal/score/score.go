// Package score turns a contribution's raw CO2 into a trust-weighted figure.
//
// THE FORMULA:
//
//	weightedCO2 = rawCO2 × confidenceWeight × trustWeight × locationWeight
//
// Every weight lives in [0, 1], so weightedCO2 never exceeds rawCO2. The model
// holds no state besides its tables: the same contribution always scores the
// same, which lets the leaderboard be rebuilt from scratch at any time.
//
// WHY DECIMAL ARITHMETIC?
// In float64, 150 × 0.7 × 0.8 × 0.85 is 71.39999999999999, not 71.4. The
// product is computed with shopspring/decimal and converted to float64 once at
// the end, so a published example value reproduces exactly.
package score

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sakif/carbon-ledger/internal/model"
)

// Band maps location accuracies up to MaxMeters (inclusive) to Weight.
type Band struct {
	MaxMeters float64 `yaml:"max_meters"`
	Weight    float64 `yaml:"weight"`
}

// LocationTable weights a contribution by how precisely it was geolocated.
type LocationTable struct {
	// Missing applies when there is no location or no accuracy reading.
	Missing float64 `yaml:"missing"`
	// Bands are checked in ascending MaxMeters order; the first match wins.
	Bands []Band `yaml:"bands"`
	// Beyond applies when the accuracy is worse than every band.
	Beyond float64 `yaml:"beyond"`
}

// Tables is the full weight configuration. Labels missing from a map score
// with the matching Default weight; they are never rejected.
type Tables struct {
	Confidence        map[model.Confidence]float64 `yaml:"confidence"`
	DefaultConfidence float64                      `yaml:"default_confidence"`
	Trust             map[model.TrustLevel]float64 `yaml:"trust"`
	DefaultTrust      float64                      `yaml:"default_trust"`
	Location          LocationTable                `yaml:"location"`
}

// DefaultTables returns the production weights.
func DefaultTables() Tables {
	return Tables{
		Confidence: map[model.Confidence]float64{
			model.ConfidenceHigh:   1.0,
			model.ConfidenceMedium: 0.7,
			model.ConfidenceLow:    0.4,
		},
		DefaultConfidence: 0.4,
		Trust: map[model.TrustLevel]float64{
			model.TrustSelf:      0.5,
			model.TrustPhoto:     0.8,
			model.TrustCommunity: 0.9,
			model.TrustAI:        1.0,
		},
		DefaultTrust: 0.6,
		Location: LocationTable{
			Missing: 0.5,
			Bands: []Band{
				{MaxMeters: 30, Weight: 1.0},
				{MaxMeters: 100, Weight: 0.85},
			},
			Beyond: 0.7,
		},
	}
}

// Validate rejects any weight outside [0, 1] and any negative band edge.
func (t Tables) Validate() error {
	check := func(name string, w float64) error {
		if w < 0 || w > 1 {
			return fmt.Errorf("score: weight %s = %v is outside [0, 1]", name, w)
		}
		return nil
	}

	for label, w := range t.Confidence {
		if err := check("confidence."+string(label), w); err != nil {
			return err
		}
	}
	if err := check("default_confidence", t.DefaultConfidence); err != nil {
		return err
	}
	for label, w := range t.Trust {
		if err := check("trust."+string(label), w); err != nil {
			return err
		}
	}
	if err := check("default_trust", t.DefaultTrust); err != nil {
		return err
	}
	if err := check("location.missing", t.Location.Missing); err != nil {
		return err
	}
	if err := check("location.beyond", t.Location.Beyond); err != nil {
		return err
	}
	for i, b := range t.Location.Bands {
		if b.MaxMeters < 0 {
			return fmt.Errorf("score: location band %d has negative max_meters %v", i, b.MaxMeters)
		}
		if err := check(fmt.Sprintf("location.bands[%d]", i), b.Weight); err != nil {
			return err
		}
	}
	return nil
}

// Model scores contributions against a fixed set of tables.
type Model struct {
	tables Tables
}

// New validates tables and returns a Model that owns a private copy of them,
// so later changes to the caller's maps cannot alter scoring.
func New(tables Tables) (*Model, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	owned := Tables{
		Confidence:        make(map[model.Confidence]float64, len(tables.Confidence)),
		DefaultConfidence: tables.DefaultConfidence,
		Trust:             make(map[model.TrustLevel]float64, len(tables.Trust)),
		DefaultTrust:      tables.DefaultTrust,
		Location: LocationTable{
			Missing: tables.Location.Missing,
			Bands:   append([]Band(nil), tables.Location.Bands...),
			Beyond:  tables.Location.Beyond,
		},
	}
	for k, v := range tables.Confidence {
		owned.Confidence[k] = v
	}
	for k, v := range tables.Trust {
		owned.Trust[k] = v
	}
	sort.SliceStable(owned.Location.Bands, func(i, j int) bool {
		return owned.Location.Bands[i].MaxMeters < owned.Location.Bands[j].MaxMeters
	})

	return &Model{tables: owned}, nil
}

// MustNew is New for tables known to be valid, such as DefaultTables.
func MustNew(tables Tables) *Model {
	m, err := New(tables)
	if err != nil {
		panic(err)
	}
	return m
}

// ConfidenceWeight returns the weight for a confidence label.
func (m *Model) ConfidenceWeight(c model.Confidence) float64 {
	if w, ok := m.tables.Confidence[c]; ok {
		return w
	}
	return m.tables.DefaultConfidence
}

// TrustWeight returns the weight for a trust level.
func (m *Model) TrustWeight(t model.TrustLevel) float64 {
	if w, ok := m.tables.Trust[t]; ok {
		return w
	}
	return m.tables.DefaultTrust
}

// LocationWeight returns the weight for a (possibly absent) location.
func (m *Model) LocationWeight(loc *model.Location) float64 {
	if loc == nil || loc.Accuracy == nil {
		return m.tables.Location.Missing
	}
	acc := *loc.Accuracy
	for _, b := range m.tables.Location.Bands {
		if acc <= b.MaxMeters {
			return b.Weight
		}
	}
	return m.tables.Location.Beyond
}

// Score computes the weighted score of c. rawCO2 is c.TotalCO2 as stored; the
// store keeps it equal to base plus bonuses.
func (m *Model) Score(c model.Contribution) model.WeightedScore {
	cw := m.ConfidenceWeight(c.Confidence)
	tw := m.TrustWeight(c.TrustLevel)
	lw := m.LocationWeight(c.Location)

	return model.WeightedScore{
		ContributionID:   c.ID,
		OwnerID:          c.OwnerID,
		RawCO2:           c.TotalCO2,
		ConfidenceWeight: cw,
		TrustWeight:      tw,
		LocationWeight:   lw,
		WeightedCO2:      m.WeightedDecimal(c).InexactFloat64(),
	}
}

// WeightedDecimal is the exact weighted CO2 of c. Aggregation sums these
// before converting, so per-user totals carry no accumulated float error.
func (m *Model) WeightedDecimal(c model.Contribution) decimal.Decimal {
	return decimal.NewFromFloat(c.TotalCO2).
		Mul(decimal.NewFromFloat(m.ConfidenceWeight(c.Confidence))).
		Mul(decimal.NewFromFloat(m.TrustWeight(c.TrustLevel))).
		Mul(decimal.NewFromFloat(m.LocationWeight(c.Location)))
}
