package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/metrics"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/ranking"
	"github.com/sakif/carbon-ledger/internal/repository"
)

const (
	MaxDisplayNameLength = 80
	MaxReasonLength      = 200
	// MaxCreditAmount bounds a single increment or debit.
	MaxCreditAmount = 1_000_000
)

// LedgerService owns the spendable credit balance.
//
// BALANCE vs CREDITS:
// A user's contribution-derived credits (floor(verified / threshold)) are a
// read-only figure recomputed by the ranking engine. The spendable balance is
// separate and only moves through this service: direct increments from game
// collaborators, debits, and ConvertEarned, which moves newly earned
// contribution credits into the balance exactly once.
type LedgerService struct {
	accounts repository.AccountRepository
	engine   *ranking.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewLedgerService(accounts repository.AccountRepository, engine *ranking.Engine, m *metrics.Metrics, logger *slog.Logger) *LedgerService {
	return &LedgerService{accounts: accounts, engine: engine, metrics: m, logger: logger}
}

// RegisterAccount creates the account on first sight of a user, or refreshes
// its profile. An empty displayName defaults to the local part of the email.
func (s *LedgerService) RegisterAccount(ctx context.Context, userID, email, displayName string) (*model.UserAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperror.ValidationFailed("userId", "user ID is required")
	}
	email = strings.TrimSpace(email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, apperror.ValidationFailed("email", "email address is invalid")
		}
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = defaultDisplayName(email, userID)
	}
	if len(displayName) > MaxDisplayNameLength {
		return nil, apperror.ValidationFailed("displayName",
			fmt.Sprintf("display name must be %d characters or less", MaxDisplayNameLength))
	}

	acct, err := s.accounts.UpsertAccount(ctx, userID, email, displayName)
	if err != nil {
		s.logger.Error("failed to register account",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("registering account: %w", err)
	}
	return acct, nil
}

func defaultDisplayName(email, userID string) string {
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	return userID
}

// Account returns the user's account. A user the ledger has never seen gets
// an empty account with a zero balance rather than NotFound.
func (s *LedgerService) Account(ctx context.Context, userID string) (*model.UserAccount, error) {
	acct, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, apperror.ErrNotFound) {
		return &model.UserAccount{ID: userID, RedeemedRewards: []model.Redemption{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Balance is a shortcut for Account(...).CreditBalance.
func (s *LedgerService) Balance(ctx context.Context, userID string) (int64, error) {
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.CreditBalance, nil
}

func validateCredit(userID string, amount int64, reason string) error {
	if strings.TrimSpace(userID) == "" {
		return apperror.ValidationFailed("userId", "user ID is required")
	}
	if amount <= 0 {
		return apperror.ValidationFailed("amount", "amount must be positive")
	}
	if amount > MaxCreditAmount {
		return apperror.ValidationFailed("amount", fmt.Sprintf("amount must be at most %d", MaxCreditAmount))
	}
	if len(reason) > MaxReasonLength {
		return apperror.ValidationFailed("reason",
			fmt.Sprintf("reason must be %d characters or less", MaxReasonLength))
	}
	return nil
}

// Increment adds credits to the balance, creating the account if needed.
// Game-reward collaborators call this.
func (s *LedgerService) Increment(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	userID, reason = strings.TrimSpace(userID), strings.TrimSpace(reason)
	if err := validateCredit(userID, amount, reason); err != nil {
		return nil, err
	}

	tx, err := s.accounts.Increment(ctx, userID, amount, reason)
	if err != nil {
		s.logger.Error("failed to increment credits",
			slog.String("user_id", userID),
			slog.Int64("amount", amount),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.metrics.Credits(string(model.TxEarn), amount)
	s.logger.Info("credits incremented",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.Int64("balance", tx.BalanceAfter),
		slog.String("reason", reason),
	)
	return tx, nil
}

// Debit removes credits from the balance, failing with InsufficientBalance
// rather than going negative.
func (s *LedgerService) Debit(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	userID, reason = strings.TrimSpace(userID), strings.TrimSpace(reason)
	if err := validateCredit(userID, amount, reason); err != nil {
		return nil, err
	}

	tx, err := s.accounts.Debit(ctx, userID, amount, reason)
	if err != nil {
		if errors.Is(err, apperror.ErrInsufficientBalance) {
			s.logger.Info("debit refused", slog.String("user_id", userID), slog.Int64("amount", amount))
			return nil, err
		}
		s.logger.Error("failed to debit credits",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.metrics.Credits(string(model.TxSpend), amount)
	s.logger.Info("credits debited",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.Int64("balance", tx.BalanceAfter),
	)
	return tx, nil
}

// History pages through the user's credit transactions, newest first.
func (s *LedgerService) History(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	if offset < 0 {
		offset = 0
	}
	txs, err := s.accounts.ListTransactions(ctx, userID, repository.TxListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txs, nil
}

// ConvertEarned moves contribution credits earned since the last conversion
// into the balance. Calling it again without new verified CO2 credits nothing.
func (s *LedgerService) ConvertEarned(ctx context.Context, userID string) (*model.Conversion, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.ValidationFailed("userId", "user ID is required")
	}

	conv, err := s.accounts.ConvertEarned(ctx, userID, s.engine.EarnedCredits)
	if err != nil {
		s.logger.Error("failed to convert earned credits",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if conv.Credited > 0 {
		s.metrics.Credits(string(model.TxConvert), conv.Credited)
		s.logger.Info("earned credits converted",
			slog.String("user_id", userID),
			slog.Int64("credited", conv.Credited),
			slog.Int64("balance", conv.Balance),
		)
	}
	return conv, nil
}
