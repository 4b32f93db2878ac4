package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/clock"
	"github.com/sakif/carbon-ledger/internal/identify"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/repository"
)

// =========================================================================
// MOCK REPOSITORIES
// =========================================================================
//
// The mocks keep their data in memory behind one mutex. Each method holds the
// mutex for its whole body, which gives the same "one atomic unit" contract
// the SQLite store gives with a transaction.

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mockContributionRepo struct {
	mu      sync.Mutex
	clock   clock.Clock
	items   map[string]*model.Contribution
	nextID  int
	failErr error // returned by every method when set
}

var _ repository.ContributionRepository = (*mockContributionRepo)(nil)

func newMockContributionRepo(clk clock.Clock) *mockContributionRepo {
	return &mockContributionRepo{clock: clk, items: make(map[string]*model.Contribution)}
}

// unlockedCounter reads the mock while Create already holds its mutex.
type unlockedCounter struct{ m *mockContributionRepo }

func (u unlockedCounter) CountCreatedBetween(_ context.Context, ownerID string, from, to time.Time) (int, error) {
	return u.m.count(ownerID, from, to), nil
}

func (m *mockContributionRepo) count(ownerID string, from, to time.Time) int {
	n := 0
	for _, c := range m.items {
		if c.OwnerID == ownerID && !c.CreatedAt.Before(from) && c.CreatedAt.Before(to) {
			n++
		}
	}
	return n
}

func (m *mockContributionRepo) CountCreatedBetween(_ context.Context, ownerID string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	return m.count(ownerID, from, to), nil
}

func (m *mockContributionRepo) Create(ctx context.Context, c *model.Contribution, admit repository.AdmitFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	now := m.clock.Now()
	if admit != nil {
		if err := admit(ctx, unlockedCounter{m}, now); err != nil {
			return err
		}
	}

	m.nextID++
	c.ID = fmt.Sprintf("c-%03d", m.nextID)
	c.CreatedAt = now
	c.AgeYears = model.ClampAge(c.AgeYears, 30)
	if c.GrowthUpdates == nil {
		c.GrowthUpdates = []model.GrowthUpdate{}
	}
	c.Recompute()

	stored := *c
	m.items[c.ID] = &stored
	return nil
}

func (m *mockContributionRepo) GetByID(_ context.Context, id string) (*model.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, apperror.NotFound("contribution", id)
	}
	out := *c
	return &out, nil
}

func (m *mockContributionRepo) ListByOwner(_ context.Context, ownerID string) ([]model.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	out := []model.Contribution{}
	for _, c := range m.items {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b model.Contribution) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *mockContributionRepo) Snapshot(_ context.Context) ([]model.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	out := make([]model.Contribution, 0, len(m.items))
	for _, c := range m.items {
		out = append(out, *c)
	}
	return out, nil
}

func (m *mockContributionRepo) mutate(id, requesterID, denied string, fn func(c *model.Contribution) error) (*model.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, apperror.NotFound("contribution", id)
	}
	if requesterID != c.OwnerID {
		return nil, apperror.Forbidden(denied)
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.Recompute()
	out := *c
	out.GrowthUpdates = slices.Clone(c.GrowthUpdates)
	return &out, nil
}

func (m *mockContributionRepo) AppendGrowth(_ context.Context, id, requesterID string, update model.GrowthUpdate) (*model.Contribution, error) {
	if requesterID == "" {
		// System-level append: pretend the owner asked.
		c, err := m.GetByID(context.Background(), id)
		if err != nil {
			return nil, err
		}
		requesterID = c.OwnerID
	}
	return m.mutate(id, requesterID, "not the owner", func(c *model.Contribution) error {
		update.ID = fmt.Sprintf("g-%d", len(c.GrowthUpdates)+1)
		update.UploadedAt = m.clock.Now()
		c.GrowthUpdates = append(c.GrowthUpdates, update)
		return nil
	})
}

func (m *mockContributionRepo) RemoveGrowth(_ context.Context, id, requesterID, growthID string) (*model.Contribution, error) {
	return m.mutate(id, requesterID, "not the owner", func(c *model.Contribution) error {
		i := c.GrowthIndex(growthID)
		if i < 0 {
			return apperror.NotFound("growth update", growthID)
		}
		c.GrowthUpdates = slices.Delete(c.GrowthUpdates, i, i+1)
		return nil
	})
}

func (m *mockContributionRepo) Delete(_ context.Context, id, requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return apperror.NotFound("contribution", id)
	}
	if c.OwnerID != requesterID {
		return apperror.Forbidden("not the owner")
	}
	delete(m.items, id)
	return nil
}

// put stores c as-is, bypassing Create.
func (m *mockContributionRepo) put(c model.Contribution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Recompute()
	m.items[c.ID] = &c
}

type mockAccountRepo struct {
	mu            sync.Mutex
	clock         clock.Clock
	accounts      map[string]*model.UserAccount
	txs           []model.CreditTransaction
	contributions *mockContributionRepo // read by ConvertEarned
	failErr       error
}

var _ repository.AccountRepository = (*mockAccountRepo)(nil)

func newMockAccountRepo(clk clock.Clock, contributions *mockContributionRepo) *mockAccountRepo {
	return &mockAccountRepo{clock: clk, accounts: make(map[string]*model.UserAccount), contributions: contributions}
}

func (m *mockAccountRepo) ensure(userID string) *model.UserAccount {
	a, ok := m.accounts[userID]
	if !ok {
		now := m.clock.Now()
		a = &model.UserAccount{ID: userID, RedeemedRewards: []model.Redemption{}, CreatedAt: now, UpdatedAt: now}
		m.accounts[userID] = a
	}
	return a
}

func (m *mockAccountRepo) record(userID string, kind model.TransactionKind, amount, balance int64, reason string) *model.CreditTransaction {
	tx := model.CreditTransaction{
		ID:           fmt.Sprintf("t-%d", len(m.txs)+1),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balance,
		Reason:       reason,
		CreatedAt:    m.clock.Now(),
	}
	m.txs = append(m.txs, tx)
	return &tx
}

func (m *mockAccountRepo) UpsertAccount(_ context.Context, userID, email, displayName string) (*model.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	a := m.ensure(userID)
	a.Email, a.DisplayName = email, displayName
	out := *a
	return &out, nil
}

func (m *mockAccountRepo) GetAccount(_ context.Context, userID string) (*model.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	a, ok := m.accounts[userID]
	if !ok {
		return nil, apperror.NotFound("account", userID)
	}
	out := *a
	out.RedeemedRewards = slices.Clone(a.RedeemedRewards)
	return &out, nil
}

func (m *mockAccountRepo) Increment(_ context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	a := m.ensure(userID)
	a.CreditBalance += amount
	return m.record(userID, model.TxEarn, amount, a.CreditBalance, reason), nil
}

func (m *mockAccountRepo) Debit(_ context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var have int64
	if a, ok := m.accounts[userID]; ok {
		have = a.CreditBalance
	}
	if have < amount {
		return nil, apperror.InsufficientBalance(have, amount)
	}
	a := m.accounts[userID]
	a.CreditBalance -= amount
	return m.record(userID, model.TxSpend, amount, a.CreditBalance, reason), nil
}

func (m *mockAccountRepo) Redeem(_ context.Context, userID string, reward model.RewardDefinition, token string) (*model.RedemptionReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	a := m.ensure(userID)
	if a.HasRedeemed(reward.ID) {
		return nil, apperror.AlreadyRedeemed(userID, reward.ID)
	}
	if a.CreditBalance < reward.RequiredCredits {
		return nil, apperror.InsufficientBalance(a.CreditBalance, reward.RequiredCredits)
	}
	now := m.clock.Now()
	a.CreditBalance -= reward.RequiredCredits
	a.RedeemedRewards = append(a.RedeemedRewards, model.Redemption{
		RewardID: reward.ID, Token: token, CreditsSpent: reward.RequiredCredits, RedeemedAt: now,
	})
	m.record(userID, model.TxSpend, reward.RequiredCredits, a.CreditBalance, "redeem:"+reward.ID)
	return &model.RedemptionReceipt{
		UserID:       userID,
		RewardID:     reward.ID,
		DisplayName:  reward.DisplayName,
		CreditsSpent: reward.RequiredCredits,
		Token:        token,
		RedeemedAt:   now,
		BalanceAfter: a.CreditBalance,
	}, nil
}

func (m *mockAccountRepo) ConvertEarned(ctx context.Context, userID string, earned repository.EarnedFunc) (*model.Conversion, error) {
	mine, err := m.contributions.ListByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.ensure(userID)
	total := earned(mine)
	conv := &model.Conversion{UserID: userID, Earned: total, ConvertedCredits: a.ConvertedCredits, Balance: a.CreditBalance}
	if delta := total - a.ConvertedCredits; delta > 0 {
		a.CreditBalance += delta
		a.ConvertedCredits = total
		m.record(userID, model.TxConvert, delta, a.CreditBalance, "contribution credits")
		conv.Credited, conv.ConvertedCredits, conv.Balance = delta, total, a.CreditBalance
	}
	return conv, nil
}

func (m *mockAccountRepo) ListTransactions(_ context.Context, userID string, opts repository.TxListOptions) ([]model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.CreditTransaction{}
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserID == userID {
			out = append(out, m.txs[i])
		}
	}
	if opts.Offset >= len(out) {
		return []model.CreditTransaction{}, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// =========================================================================
// FAKE IDENTIFIER
// =========================================================================

type fakeIdentifier struct {
	match *identify.Match
	err   error
	calls int
}

func (f *fakeIdentifier) Identify(_ context.Context, _ string) (*identify.Match, error) {
	f.calls++
	return f.match, f.err
}
