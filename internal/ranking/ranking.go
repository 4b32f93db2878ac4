// Package ranking builds leaderboards and per-user summaries from a snapshot
// of contributions.
//
// The engine is read-only and keeps no state between calls. Every result is
// recomputed from the snapshot it is handed, so there is no running total to
// drift and two calls with the same input return identical output.
//
// ORDERING:
//   - users:         verifiedCO2 descending, then ownerId ascending
//   - contributions: weightedCO2 descending, then id ascending
//
// Ties are always broken by id, so ranks are unique and stable.
package ranking

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/score"
)

// Defaults for Options.
const (
	DefaultCreditThreshold = 1000
	DefaultTopN            = 10
)

// Badge thresholds.
const (
	ForestBuilderTrees = 25
	CarbonSaverCredits = 5
)

// Options tunes the engine.
type Options struct {
	// CreditThreshold is the verified CO2 (kg) worth one credit.
	CreditThreshold int64
	// TopN is the leaderboard slice size.
	TopN int
}

// Engine ranks contributions with a fixed weight model.
type Engine struct {
	model     *score.Model
	threshold decimal.Decimal
	topN      int
}

// NewEngine returns an Engine. Zero options fall back to the defaults.
func NewEngine(m *score.Model, opts Options) *Engine {
	if opts.CreditThreshold <= 0 {
		opts.CreditThreshold = DefaultCreditThreshold
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	return &Engine{
		model:     m,
		threshold: decimal.NewFromInt(opts.CreditThreshold),
		topN:      opts.TopN,
	}
}

// Model returns the weight model the engine scores with.
func (e *Engine) Model() *score.Model { return e.model }

// totals is one owner's aggregate, kept in decimal until output.
type totals struct {
	ownerID  string
	trees    int
	raw      decimal.Decimal
	verified decimal.Decimal
}

func (e *Engine) aggregate(all []model.Contribution) []totals {
	byOwner := make(map[string]*totals)
	for _, c := range all {
		t, ok := byOwner[c.OwnerID]
		if !ok {
			t = &totals{ownerID: c.OwnerID}
			byOwner[c.OwnerID] = t
		}
		t.trees++
		t.raw = t.raw.Add(decimal.NewFromFloat(c.TotalCO2))
		t.verified = t.verified.Add(e.model.WeightedDecimal(c))
	}

	out := make([]totals, 0, len(byOwner))
	for _, t := range byOwner {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b totals) int {
		if c := b.verified.Cmp(a.verified); c != 0 {
			return c
		}
		return cmp.Compare(a.ownerID, b.ownerID)
	})
	return out
}

// Credits returns floor(verified / threshold).
func (e *Engine) Credits(verified decimal.Decimal) int64 {
	if !verified.IsPositive() {
		return 0
	}
	q, _ := verified.QuoRem(e.threshold, 0)
	return q.IntPart()
}

// progress returns how far, in percent, verified is toward its next credit.
func (e *Engine) progress(verified decimal.Decimal) float64 {
	if !verified.IsPositive() {
		return 0
	}
	_, rem := verified.QuoRem(e.threshold, 0)
	return rem.Mul(decimal.NewFromInt(100)).Div(e.threshold).Round(2).InexactFloat64()
}

// RankUsers returns every owner in leaderboard order with 1-based ranks.
func (e *Engine) RankUsers(all []model.Contribution) []model.UserRanking {
	agg := e.aggregate(all)
	out := make([]model.UserRanking, len(agg))
	for i, t := range agg {
		rank := i + 1
		credits := e.Credits(t.verified)
		out[i] = model.UserRanking{
			Rank:        rank,
			UserID:      t.ownerID,
			TreeCount:   t.trees,
			RawCO2:      t.raw.InexactFloat64(),
			VerifiedCO2: t.verified.InexactFloat64(),
			Credits:     credits,
			Badges:      Badges(t.trees, credits, rank, e.topN),
		}
	}
	return out
}

// RankContributions returns every contribution in top-contributions order.
func (e *Engine) RankContributions(all []model.Contribution) []model.ContributionRanking {
	type scored struct {
		c        model.Contribution
		s        model.WeightedScore
		weighted decimal.Decimal
	}

	rows := make([]scored, len(all))
	for i, c := range all {
		rows[i] = scored{c: c, s: e.model.Score(c), weighted: e.model.WeightedDecimal(c)}
	}
	slices.SortFunc(rows, func(a, b scored) int {
		if c := b.weighted.Cmp(a.weighted); c != 0 {
			return c
		}
		return cmp.Compare(a.c.ID, b.c.ID)
	})

	out := make([]model.ContributionRanking, len(rows))
	for i, r := range rows {
		out[i] = model.ContributionRanking{Rank: i + 1, Contribution: r.c, Score: r.s}
	}
	return out
}

// Leaderboard returns the top slice of both rankings.
func (e *Engine) Leaderboard(all []model.Contribution) model.Leaderboard {
	users := e.RankUsers(all)
	contributions := e.RankContributions(all)
	return model.Leaderboard{
		TopUsers:         users[:min(len(users), e.topN)],
		TopContributions: contributions[:min(len(contributions), e.topN)],
	}
}

// Summarize returns userID's aggregate within all. A user with no
// contributions gets a zero summary with rank 0.
func (e *Engine) Summarize(userID string, all []model.Contribution) model.UserSummary {
	summary := model.UserSummary{UserID: userID, Badges: []string{}}

	for i, t := range e.aggregate(all) {
		if t.ownerID != userID {
			continue
		}
		rank := i + 1
		credits := e.Credits(t.verified)
		summary.TreeCount = t.trees
		summary.RawCO2 = t.raw.InexactFloat64()
		summary.VerifiedCO2 = t.verified.InexactFloat64()
		summary.Credits = credits
		summary.Badges = Badges(t.trees, credits, rank, e.topN)
		summary.Rank = rank
		summary.NextCreditProgress = e.progress(t.verified)
		break
	}
	return summary
}

// EarnedCredits is the contribution-derived credit figure for one owner's
// contributions. Contributions of other owners in the slice are counted too,
// so callers pass a single owner's list.
func (e *Engine) EarnedCredits(contributions []model.Contribution) int64 {
	verified := decimal.Zero
	for _, c := range contributions {
		verified = verified.Add(e.model.WeightedDecimal(c))
	}
	return e.Credits(verified)
}

// Badges is the badge set for a user with the given tree count, credits and
// rank. Rank 0 means unranked. top_contributor goes to ranks within the
// leaderboard slice of size topN.
func Badges(treeCount int, credits int64, rank, topN int) []string {
	badges := []string{}
	if treeCount >= 1 {
		badges = append(badges, model.BadgeSeedPlanter)
	}
	if treeCount >= ForestBuilderTrees {
		badges = append(badges, model.BadgeForestBuilder)
	}
	if credits >= CarbonSaverCredits {
		badges = append(badges, model.BadgeCarbonSaver)
	}
	if rank >= 1 && rank <= topN {
		badges = append(badges, model.BadgeTopContributor)
	}
	return badges
}
