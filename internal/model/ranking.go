package model

// WeightedScore is the derived, never-persisted score of one contribution.
type WeightedScore struct {
	ContributionID   string  `json:"contributionId"`
	OwnerID          string  `json:"ownerId"`
	RawCO2           float64 `json:"rawCO2"`
	ConfidenceWeight float64 `json:"confidenceWeight"`
	TrustWeight      float64 `json:"trustWeight"`
	LocationWeight   float64 `json:"locationWeight"`
	WeightedCO2      float64 `json:"weightedCO2"`
}

// Badge identifiers.
const (
	BadgeSeedPlanter    = "seed_planter"
	BadgeForestBuilder  = "forest_builder"
	BadgeCarbonSaver    = "carbon_saver"
	BadgeTopContributor = "top_contributor"
)

// UserRanking is one row of the user leaderboard.
type UserRanking struct {
	Rank        int      `json:"rank"`
	UserID      string   `json:"userId"`
	TreeCount   int      `json:"treeCount"`
	RawCO2      float64  `json:"rawCO2"`
	VerifiedCO2 float64  `json:"verifiedCO2"`
	Credits     int64    `json:"credits"`
	Badges      []string `json:"badges,omitempty"`
}

// ContributionRanking is one row of the top-contributions view.
type ContributionRanking struct {
	Rank         int           `json:"rank"`
	Contribution Contribution  `json:"contribution"`
	Score        WeightedScore `json:"score"`
}

// Leaderboard is the response of getLeaderboard.
type Leaderboard struct {
	TopUsers         []UserRanking         `json:"topUsers"`
	TopContributions []ContributionRanking `json:"topContributions"`
}

// UserSummary is the per-user view of getUserSummary. Credits is the
// contribution-derived figure; CreditBalance is the spendable ledger balance
// and the two need not agree.
type UserSummary struct {
	UserID             string   `json:"userId"`
	TreeCount          int      `json:"treeCount"`
	RawCO2             float64  `json:"rawCO2"`
	VerifiedCO2        float64  `json:"verifiedCO2"`
	Credits            int64    `json:"credits"`
	Badges             []string `json:"badges"`
	Rank               int      `json:"rank,omitempty"`     // 0 when the user has no contributions
	NextCreditProgress float64  `json:"nextCreditProgress"` // percent toward the next credit
	CreditBalance      int64    `json:"creditBalance"`
}
