package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/ranking"
	"github.com/sakif/carbon-ledger/internal/repository"
)

// LeaderboardService serves the read-only aggregation views.
//
// Every view is recomputed from one store snapshot; nothing it returns is
// cached or persisted, so a view never disagrees with the contributions it
// was computed from.
type LeaderboardService struct {
	contributions repository.ContributionRepository
	accounts      repository.AccountRepository
	engine        *ranking.Engine
	concurrency   int
	logger        *slog.Logger
}

// NewLeaderboardService wires a LeaderboardService. concurrency caps the
// store reads one summary issues in parallel; values below 1 mean 1.
func NewLeaderboardService(
	contributions repository.ContributionRepository,
	accounts repository.AccountRepository,
	engine *ranking.Engine,
	concurrency int,
	logger *slog.Logger,
) *LeaderboardService {
	return &LeaderboardService{
		contributions: contributions,
		accounts:      accounts,
		engine:        engine,
		concurrency:   max(concurrency, 1),
		logger:        logger,
	}
}

// Leaderboard returns the top users and the top contributions.
func (s *LeaderboardService) Leaderboard(ctx context.Context) (model.Leaderboard, error) {
	all, err := s.contributions.Snapshot(ctx)
	if err != nil {
		s.logger.Error("failed to read contribution snapshot", slog.String("error", err.Error()))
		return model.Leaderboard{}, fmt.Errorf("building leaderboard: %w", err)
	}
	return s.engine.Leaderboard(all), nil
}

// Summary returns the user's aggregate standing together with the spendable
// balance. The snapshot and the account are read concurrently.
func (s *LeaderboardService) Summary(ctx context.Context, userID string) (model.UserSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return model.UserSummary{}, apperror.ValidationFailed("userId", "user ID is required")
	}

	var (
		all     []model.Contribution
		balance int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	g.Go(func() error {
		snap, err := s.contributions.Snapshot(gctx)
		if err != nil {
			return fmt.Errorf("reading contribution snapshot: %w", err)
		}
		all = snap
		return nil
	})
	g.Go(func() error {
		acct, err := s.accounts.GetAccount(gctx, userID)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("reading account: %w", err)
		}
		balance = acct.CreditBalance
		return nil
	})

	if err := g.Wait(); err != nil {
		s.logger.Error("failed to build user summary",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.UserSummary{}, err
	}

	summary := s.engine.Summarize(userID, all)
	summary.CreditBalance = balance
	return summary, nil
}
