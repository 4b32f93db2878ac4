// Package model defines the data structures used throughout the ledger.
package model

import "time"

// AgeEstimateMethod records how the submitter arrived at a tree's age.
type AgeEstimateMethod string

const (
	AgeExact   AgeEstimateMethod = "exact"
	AgeRange   AgeEstimateMethod = "range"
	AgeUnknown AgeEstimateMethod = "unknown"
)

// Confidence is the submitter's (or identifier's) confidence label. Values
// outside the known set are kept as-is and score with the fallback weight.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// TrustLevel classifies the evidence behind a contribution.
type TrustLevel string

const (
	TrustSelf      TrustLevel = "self"
	TrustPhoto     TrustLevel = "photo"
	TrustCommunity TrustLevel = "community"
	TrustAI        TrustLevel = "ai"
)

// Location is the geocoordinate captured with a contribution.
//
// Accuracy is a pointer because "no accuracy reported" and "accuracy 0m" are
// different things to the weight model.
type Location struct {
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy,omitempty"` // meters
}

// GrowthUpdate is one evidence photo appended after creation. Its ID is the
// reference used to remove it again.
type GrowthUpdate struct {
	ID         string    `json:"id"`
	ImageRef   string    `json:"imageRef"`
	BonusCO2   float64   `json:"bonusCO2"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Contribution is one planted-tree record and its evidence trail.
//
// TOTAL INVARIANT:
//
//	TotalCO2 == max(0, BaseCO2 + Σ GrowthUpdates[].BonusCO2)
//
// TotalCO2 is only ever assigned by Recompute. Code that changes BaseCO2 or
// GrowthUpdates must call Recompute before the record is written.
type Contribution struct {
	ID                string            `json:"id"`
	OwnerID           string            `json:"ownerId"`
	Species           string            `json:"species"`
	ImageRef          string            `json:"imageRef,omitempty"`
	AgeYears          int               `json:"ageYears"`
	AgeEstimateMethod AgeEstimateMethod `json:"ageEstimateMethod"`
	Confidence        Confidence        `json:"confidence"`
	TrustLevel        TrustLevel        `json:"trustLevel"`
	CO2PerYear        float64           `json:"co2PerYear"`
	BaseCO2           float64           `json:"baseCO2"`
	TotalCO2          float64           `json:"totalCO2"`
	Location          *Location         `json:"location,omitempty"`
	GrowthUpdates     []GrowthUpdate    `json:"growthUpdates"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// ClampAge bounds an age estimate to [0, maxYears].
func ClampAge(years, maxYears int) int {
	if years < 0 {
		return 0
	}
	if years > maxYears {
		return maxYears
	}
	return years
}

// Recompute derives BaseCO2 from the age and rate, then TotalCO2 from its
// parts. It never reads the previous TotalCO2.
func (c *Contribution) Recompute() {
	c.BaseCO2 = float64(c.AgeYears) * c.CO2PerYear

	total := c.BaseCO2
	for _, g := range c.GrowthUpdates {
		total += g.BonusCO2
	}
	if total < 0 {
		total = 0
	}
	c.TotalCO2 = total
}

// GrowthIndex returns the position of the growth update with the given ID,
// or -1.
func (c *Contribution) GrowthIndex(growthID string) int {
	for i, g := range c.GrowthUpdates {
		if g.ID == growthID {
			return i
		}
	}
	return -1
}
