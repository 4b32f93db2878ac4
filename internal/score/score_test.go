package score

import (
	"testing"

	"github.com/sakif/carbon-ledger/internal/model"
)

func accuracy(m float64) *model.Location {
	return &model.Location{Latitude: 12.97, Longitude: 77.59, Accuracy: &m}
}

func contribution(total float64, c model.Confidence, tr model.TrustLevel, loc *model.Location) model.Contribution {
	return model.Contribution{
		ID:         "c1",
		OwnerID:    "u1",
		TotalCO2:   total,
		Confidence: c,
		TrustLevel: tr,
		Location:   loc,
	}
}

// =========================================================================
// SCORE TESTS
// =========================================================================

func TestScore_WorkedExample(t *testing.T) {
	m := MustNew(DefaultTables())

	// ageYears=5, co2PerYear=30 → base 150; medium × photo × 50m.
	got := m.Score(contribution(150, model.ConfidenceMedium, model.TrustPhoto, accuracy(50)))

	if got.WeightedCO2 != 71.4 {
		t.Errorf("WeightedCO2 = %v, want 71.4", got.WeightedCO2)
	}
	if got.RawCO2 != 150 {
		t.Errorf("RawCO2 = %v, want 150", got.RawCO2)
	}
	if got.ConfidenceWeight != 0.7 || got.TrustWeight != 0.8 || got.LocationWeight != 0.85 {
		t.Errorf("weights = %v/%v/%v, want 0.7/0.8/0.85",
			got.ConfidenceWeight, got.TrustWeight, got.LocationWeight)
	}
	if got.ContributionID != "c1" || got.OwnerID != "u1" {
		t.Errorf("identity = %s/%s, want c1/u1", got.ContributionID, got.OwnerID)
	}
}

func TestScore_NeverExceedsRaw(t *testing.T) {
	m := MustNew(DefaultTables())

	confidences := []model.Confidence{model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow, "certain", ""}
	trusts := []model.TrustLevel{model.TrustSelf, model.TrustPhoto, model.TrustCommunity, model.TrustAI, "notary", ""}
	locations := []*model.Location{nil, {Latitude: 1, Longitude: 2}, accuracy(0), accuracy(30), accuracy(30.01), accuracy(100), accuracy(5000)}
	totals := []float64{0, 0.1, 12, 71.4, 150, 999.99, 1e6}

	for _, total := range totals {
		for _, c := range confidences {
			for _, tr := range trusts {
				for _, loc := range locations {
					s := m.Score(contribution(total, c, tr, loc))
					if s.WeightedCO2 > s.RawCO2 {
						t.Fatalf("weighted %v > raw %v (confidence=%q trust=%q loc=%+v)",
							s.WeightedCO2, s.RawCO2, c, tr, loc)
					}
					if s.WeightedCO2 < 0 {
						t.Fatalf("weighted %v < 0", s.WeightedCO2)
					}
				}
			}
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	m := MustNew(DefaultTables())
	c := contribution(333.3, model.ConfidenceLow, model.TrustCommunity, accuracy(75))

	first := m.Score(c)
	for i := 0; i < 100; i++ {
		if got := m.Score(c); got != first {
			t.Fatalf("run %d: Score = %+v, want %+v", i, got, first)
		}
	}
}

// =========================================================================
// WEIGHT LOOKUP TESTS
// =========================================================================

func TestWeights_UnrecognizedLabelsUseDefaults(t *testing.T) {
	m := MustNew(DefaultTables())

	if got := m.ConfidenceWeight("very-high"); got != 0.4 {
		t.Errorf("ConfidenceWeight(unknown) = %v, want 0.4", got)
	}
	if got := m.TrustWeight("blockchain"); got != 0.6 {
		t.Errorf("TrustWeight(unknown) = %v, want 0.6", got)
	}
}

func TestLocationWeight(t *testing.T) {
	m := MustNew(DefaultTables())

	tests := []struct {
		name string
		loc  *model.Location
		want float64
	}{
		{"no location", nil, 0.5},
		{"no accuracy", &model.Location{Latitude: 1, Longitude: 1}, 0.5},
		{"zero accuracy", accuracy(0), 1.0},
		{"exactly 30m", accuracy(30), 1.0},
		{"just over 30m", accuracy(30.5), 0.85},
		{"exactly 100m", accuracy(100), 0.85},
		{"beyond 100m", accuracy(101), 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.LocationWeight(tt.loc); got != tt.want {
				t.Errorf("LocationWeight() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_SortsBands(t *testing.T) {
	tables := DefaultTables()
	tables.Location.Bands = []Band{{MaxMeters: 100, Weight: 0.85}, {MaxMeters: 30, Weight: 1.0}}
	m := MustNew(tables)

	if got := m.LocationWeight(accuracy(10)); got != 1.0 {
		t.Errorf("LocationWeight(10m) = %v, want 1.0", got)
	}
}

func TestNew_CopiesTables(t *testing.T) {
	tables := DefaultTables()
	m := MustNew(tables)

	tables.Trust[model.TrustAI] = 0.01
	if got := m.TrustWeight(model.TrustAI); got != 1.0 {
		t.Errorf("TrustWeight(ai) after caller mutation = %v, want 1.0", got)
	}
}

// =========================================================================
// VALIDATION TESTS
// =========================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Tables)
		wantErr bool
	}{
		{"defaults are valid", func(*Tables) {}, false},
		{"confidence above one", func(tb *Tables) { tb.Confidence[model.ConfidenceHigh] = 1.2 }, true},
		{"negative trust", func(tb *Tables) { tb.Trust[model.TrustSelf] = -0.1 }, true},
		{"default trust above one", func(tb *Tables) { tb.DefaultTrust = 2 }, true},
		{"missing location above one", func(tb *Tables) { tb.Location.Missing = 1.5 }, true},
		{"band weight negative", func(tb *Tables) { tb.Location.Bands[0].Weight = -1 }, true},
		{"band edge negative", func(tb *Tables) { tb.Location.Bands[0].MaxMeters = -5 }, true},
		{"zero weights allowed", func(tb *Tables) { tb.DefaultConfidence = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := DefaultTables()
			tt.mutate(&tables)

			_, err := New(tables)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
