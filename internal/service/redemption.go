package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/metrics"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/repository"
)

// DefaultRewards is the catalog used when the configuration names none.
func DefaultRewards() []model.RewardDefinition {
	return []model.RewardDefinition{
		{ID: "amazon50", DisplayName: "₹50 Amazon Voucher", RequiredCredits: 10},
		{ID: "gift200", DisplayName: "₹200 Gift Card", RequiredCredits: 1},
		{ID: "merch", DisplayName: "Exclusive Merchandise", RequiredCredits: 50},
	}
}

// RedemptionService spends credits on catalog rewards, at most once per
// (user, reward).
//
// AT-MOST-ONCE:
// The catalog lookup is the only step done here. The duplicate check, the
// balance check, the debit and the redemption record all happen inside
// AccountRepository.Redeem as one transaction, backed by the (user_id,
// reward_id) primary key. Concurrent redeems of the same reward therefore
// produce one receipt and AlreadyRedeemed for everyone else.
type RedemptionService struct {
	accounts repository.AccountRepository
	catalog  []model.RewardDefinition
	byID     map[string]model.RewardDefinition
	newToken func() string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRedemptionService validates the catalog and returns the service.
func NewRedemptionService(accounts repository.AccountRepository, catalog []model.RewardDefinition, m *metrics.Metrics, logger *slog.Logger) (*RedemptionService, error) {
	byID := make(map[string]model.RewardDefinition, len(catalog))
	for _, r := range catalog {
		if r.ID == "" {
			return nil, errors.New("reward catalog: reward with empty id")
		}
		if r.RequiredCredits <= 0 {
			return nil, fmt.Errorf("reward catalog: %s: required credits must be positive", r.ID)
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("reward catalog: duplicate reward %s", r.ID)
		}
		byID[r.ID] = r
	}

	return &RedemptionService{
		accounts: accounts,
		catalog:  append([]model.RewardDefinition(nil), catalog...),
		byID:     byID,
		newToken: func() string { return uuid.NewString() },
		metrics:  m,
		logger:   logger,
	}, nil
}

// Reward looks up one catalog entry.
func (s *RedemptionService) Reward(rewardID string) (model.RewardDefinition, error) {
	r, ok := s.byID[strings.TrimSpace(rewardID)]
	if !ok {
		return model.RewardDefinition{}, apperror.UnknownReward(rewardID)
	}
	return r, nil
}

// Catalog lists the rewards in catalog order, flagged for userID.
func (s *RedemptionService) Catalog(ctx context.Context, userID string) ([]model.CatalogEntry, error) {
	var acct *model.UserAccount
	if userID != "" {
		a, err := s.accounts.GetAccount(ctx, userID)
		switch {
		case err == nil:
			acct = a
		case errors.Is(err, apperror.ErrNotFound):
		default:
			return nil, fmt.Errorf("reading account: %w", err)
		}
	}

	entries := make([]model.CatalogEntry, 0, len(s.catalog))
	for _, r := range s.catalog {
		e := model.CatalogEntry{RewardDefinition: r}
		if acct != nil {
			e.Redeemed = acct.HasRedeemed(r.ID)
			e.Affordable = !e.Redeemed && acct.CreditBalance >= r.RequiredCredits
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Redeem spends the reward's credits and returns the receipt.
func (s *RedemptionService) Redeem(ctx context.Context, userID, rewardID string) (*model.RedemptionReceipt, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperror.ValidationFailed("userId", "user ID is required")
	}

	reward, err := s.Reward(rewardID)
	if err != nil {
		s.metrics.Redemption(metrics.OutcomeUnknown)
		return nil, err
	}

	receipt, err := s.accounts.Redeem(ctx, userID, reward, s.newToken())
	switch {
	case err == nil:
	case errors.Is(err, apperror.ErrAlreadyRedeemed):
		s.metrics.Redemption(metrics.OutcomeDuplicate)
		s.logger.Info("redemption refused: already redeemed",
			slog.String("user_id", userID),
			slog.String("reward_id", reward.ID),
		)
		return nil, err
	case errors.Is(err, apperror.ErrInsufficientBalance):
		s.metrics.Redemption(metrics.OutcomeInsufficient)
		s.logger.Info("redemption refused: insufficient balance",
			slog.String("user_id", userID),
			slog.String("reward_id", reward.ID),
		)
		return nil, err
	default:
		s.metrics.Redemption(metrics.OutcomeError)
		s.logger.Error("redemption failed",
			slog.String("user_id", userID),
			slog.String("reward_id", reward.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.metrics.Redemption(metrics.OutcomeRedeemed)
	s.metrics.Credits(string(model.TxSpend), receipt.CreditsSpent)
	s.logger.Info("reward redeemed",
		slog.String("user_id", userID),
		slog.String("reward_id", reward.ID),
		slog.Int64("credits_spent", receipt.CreditsSpent),
		slog.Int64("balance", receipt.BalanceAfter),
	)
	return receipt, nil
}
