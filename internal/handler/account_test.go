package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/handler"
	"github.com/sakif/carbon-ledger/internal/model"
)

type MockLedgerService struct {
	Calls     []string
	Email     string
	Display   string
	Limit     int
	Offset    int
	Amount    int64
	Reason    string
	ReturnErr error
}

func (m *MockLedgerService) RegisterAccount(_ context.Context, userID, email, displayName string) (*model.UserAccount, error) {
	m.Calls = append(m.Calls, "register:"+userID)
	m.Email, m.Display = email, displayName
	if m.ReturnErr != nil {
		return nil, m.ReturnErr
	}
	return &model.UserAccount{ID: userID, Email: email, DisplayName: displayName, RedeemedRewards: []model.Redemption{}}, nil
}

func (m *MockLedgerService) Account(_ context.Context, userID string) (*model.UserAccount, error) {
	m.Calls = append(m.Calls, "account:"+userID)
	if m.ReturnErr != nil {
		return nil, m.ReturnErr
	}
	return &model.UserAccount{ID: userID, CreditBalance: 7, RedeemedRewards: []model.Redemption{}}, nil
}

func (m *MockLedgerService) Increment(_ context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	m.Calls = append(m.Calls, "increment:"+userID)
	m.Amount, m.Reason = amount, reason
	if m.ReturnErr != nil {
		return nil, m.ReturnErr
	}
	return &model.CreditTransaction{UserID: userID, Kind: model.TxEarn, Amount: amount, BalanceAfter: amount}, nil
}

func (m *MockLedgerService) Debit(_ context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	m.Calls = append(m.Calls, "debit:"+userID)
	m.Amount, m.Reason = amount, reason
	if m.ReturnErr != nil {
		return nil, m.ReturnErr
	}
	return &model.CreditTransaction{UserID: userID, Kind: model.TxSpend, Amount: amount}, nil
}

func (m *MockLedgerService) History(_ context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	m.Calls = append(m.Calls, "history:"+userID)
	m.Limit, m.Offset = limit, offset
	return []model.CreditTransaction{}, m.ReturnErr
}

func (m *MockLedgerService) ConvertEarned(_ context.Context, userID string) (*model.Conversion, error) {
	m.Calls = append(m.Calls, "convert:"+userID)
	if m.ReturnErr != nil {
		return nil, m.ReturnErr
	}
	return &model.Conversion{UserID: userID, Earned: 2, Credited: 2, ConvertedCredits: 2, Balance: 2}, nil
}

// =============================================================================
// Account
// =============================================================================

func TestAccountHandler_HandlePutMe(t *testing.T) {
	t.Run("email defaults to the token claim", func(t *testing.T) {
		mock := &MockLedgerService{}
		h := handler.NewAccountHandler(mock, logger)

		rr := httptest.NewRecorder()
		h.HandlePutMe(rr, authed(httptest.NewRequest(http.MethodPut, "/api/me", nil), "u1"))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "u1@example.com", mock.Email)
		assert.Empty(t, mock.Display)
	})

	t.Run("body overrides", func(t *testing.T) {
		mock := &MockLedgerService{}
		h := handler.NewAccountHandler(mock, logger)

		req := httptest.NewRequest(http.MethodPut, "/api/me", strings.NewReader(`{"email":"asha@forest.in","displayName":"Asha"}`))
		rr := httptest.NewRecorder()
		h.HandlePutMe(rr, authed(req, "u1"))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "asha@forest.in", mock.Email)
		assert.Equal(t, "Asha", mock.Display)
	})

	t.Run("anonymous", func(t *testing.T) {
		mock := &MockLedgerService{}
		h := handler.NewAccountHandler(mock, logger)

		rr := httptest.NewRecorder()
		h.HandlePutMe(rr, httptest.NewRequest(http.MethodPut, "/api/me", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Empty(t, mock.Calls)
	})
}

func TestAccountHandler_HandleGetMe(t *testing.T) {
	h := handler.NewAccountHandler(&MockLedgerService{}, logger)

	rr := httptest.NewRecorder()
	h.HandleGetMe(rr, authed(httptest.NewRequest(http.MethodGet, "/api/me", nil), "u1"))

	require.Equal(t, http.StatusOK, rr.Code)
	var acct model.UserAccount
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&acct))
	assert.Equal(t, int64(7), acct.CreditBalance)
	assert.NotNil(t, acct.RedeemedRewards)
}

func TestAccountHandler_HandleHistory(t *testing.T) {
	t.Run("paging parameters", func(t *testing.T) {
		mock := &MockLedgerService{}
		h := handler.NewAccountHandler(mock, logger)

		rr := httptest.NewRecorder()
		h.HandleHistory(rr, authed(httptest.NewRequest(http.MethodGet, "/api/credits/history?limit=20&offset=40", nil), "u1"))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 20, mock.Limit)
		assert.Equal(t, 40, mock.Offset)
	})

	for _, q := range []string{"limit=abc", "limit=-1", "offset=x"} {
		t.Run("rejects "+q, func(t *testing.T) {
			mock := &MockLedgerService{}
			h := handler.NewAccountHandler(mock, logger)

			rr := httptest.NewRecorder()
			h.HandleHistory(rr, authed(httptest.NewRequest(http.MethodGet, "/api/credits/history?"+q, nil), "u1"))

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, mock.Calls)
		})
	}
}

func TestAccountHandler_HandleConvert(t *testing.T) {
	mock := &MockLedgerService{}
	h := handler.NewAccountHandler(mock, logger)

	rr := httptest.NewRecorder()
	h.HandleConvert(rr, authed(httptest.NewRequest(http.MethodPost, "/api/credits/convert", nil), "u1"))

	require.Equal(t, http.StatusOK, rr.Code)
	var conv model.Conversion
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&conv))
	assert.Equal(t, int64(2), conv.Credited)
	assert.Equal(t, []string{"convert:u1"}, mock.Calls)
}

// =============================================================================
// Internal credits
// =============================================================================

func TestCreditHandler(t *testing.T) {
	t.Run("increment", func(t *testing.T) {
		mock := &MockLedgerService{}
		h := handler.NewCreditHandler(mock, logger)

		req := httptest.NewRequest(http.MethodPost, "/internal/credits/increment",
			strings.NewReader(`{"userId":"kid","amount":5,"reason":"eco quiz"}`))
		rr := httptest.NewRecorder()
		h.HandleIncrement(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"increment:kid"}, mock.Calls)
		assert.Equal(t, int64(5), mock.Amount)
		assert.Equal(t, "eco quiz", mock.Reason)
	})

	t.Run("debit below zero", func(t *testing.T) {
		mock := &MockLedgerService{ReturnErr: apperror.InsufficientBalance(2, 5)}
		h := handler.NewCreditHandler(mock, logger)

		req := httptest.NewRequest(http.MethodPost, "/internal/credits/debit", strings.NewReader(`{"userId":"kid","amount":5}`))
		rr := httptest.NewRecorder()
		h.HandleDebit(rr, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Equal(t, "insufficient_balance", decodeError(t, rr).Error)
	})

	t.Run("string amount is a bad body", func(t *testing.T) {
		mock := &MockLedgerService{}
		h := handler.NewCreditHandler(mock, logger)

		req := httptest.NewRequest(http.MethodPost, "/internal/credits/increment", strings.NewReader(`{"userId":"kid","amount":"5"}`))
		rr := httptest.NewRecorder()
		h.HandleIncrement(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, mock.Calls)
	})
}

// =============================================================================
// Rewards and leaderboard
// =============================================================================

type MockRedemptionService struct {
	RewardID  string
	ReturnErr error
}

func (m *MockRedemptionService) Catalog(_ context.Context, _ string) ([]model.CatalogEntry, error) {
	return []model.CatalogEntry{
		{RewardDefinition: model.RewardDefinition{ID: "merch", DisplayName: "Merch", RequiredCredits: 50}},
	}, m.ReturnErr
}

func (m *MockRedemptionService) Redeem(_ context.Context, userID, rewardID string) (*model.RedemptionReceipt, error) {
	m.RewardID = rewardID
	if m.ReturnErr != nil {
		return nil, m.ReturnErr
	}
	return &model.RedemptionReceipt{UserID: userID, RewardID: rewardID, Token: "tok-1"}, nil
}

func TestRewardHandler(t *testing.T) {
	t.Run("redeem", func(t *testing.T) {
		mock := &MockRedemptionService{}
		h := handler.NewRewardHandler(mock, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/rewards/merch/redeem", nil)
		rr := httptest.NewRecorder()
		h.HandleRedeem(rr, authed(withParams(req, "rewardID", "merch"), "u1"))

		require.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, "merch", mock.RewardID)
		var receipt model.RedemptionReceipt
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&receipt))
		assert.Equal(t, "tok-1", receipt.Token)
	})

	t.Run("second redemption conflicts", func(t *testing.T) {
		mock := &MockRedemptionService{ReturnErr: apperror.AlreadyRedeemed("u1", "merch")}
		h := handler.NewRewardHandler(mock, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/rewards/merch/redeem", nil)
		rr := httptest.NewRecorder()
		h.HandleRedeem(rr, authed(withParams(req, "rewardID", "merch"), "u1"))

		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("catalog", func(t *testing.T) {
		h := handler.NewRewardHandler(&MockRedemptionService{}, logger)

		rr := httptest.NewRecorder()
		h.HandleCatalog(rr, authed(httptest.NewRequest(http.MethodGet, "/api/rewards", nil), "u1"))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"rewardId":"merch"`)
	})
}

type MockLeaderboardService struct {
	ReturnErr error
}

func (m *MockLeaderboardService) Leaderboard(context.Context) (model.Leaderboard, error) {
	return model.Leaderboard{
		TopUsers:         []model.UserRanking{{Rank: 1, UserID: "bob"}},
		TopContributions: []model.ContributionRanking{},
	}, m.ReturnErr
}

func (m *MockLeaderboardService) Summary(_ context.Context, userID string) (model.UserSummary, error) {
	return model.UserSummary{UserID: userID, Rank: 2, Badges: []string{}}, m.ReturnErr
}

func TestLeaderboardHandler(t *testing.T) {
	t.Run("leaderboard is public", func(t *testing.T) {
		h := handler.NewLeaderboardHandler(&MockLeaderboardService{}, logger)

		rr := httptest.NewRecorder()
		h.HandleLeaderboard(rr, httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		var lb model.Leaderboard
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&lb))
		require.Len(t, lb.TopUsers, 1)
		assert.Equal(t, "bob", lb.TopUsers[0].UserID)
	})

	t.Run("summary needs a user", func(t *testing.T) {
		h := handler.NewLeaderboardHandler(&MockLeaderboardService{}, logger)

		rr := httptest.NewRecorder()
		h.HandleSummary(rr, httptest.NewRequest(http.MethodGet, "/api/me/summary", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = httptest.NewRecorder()
		h.HandleSummary(rr, authed(httptest.NewRequest(http.MethodGet, "/api/me/summary", nil), "amy"))
		require.Equal(t, http.StatusOK, rr.Code)
		var s model.UserSummary
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&s))
		assert.Equal(t, "amy", s.UserID)
		assert.Equal(t, 2, s.Rank)
	})

	t.Run("store failure", func(t *testing.T) {
		h := handler.NewLeaderboardHandler(&MockLeaderboardService{ReturnErr: apperror.Transient("snapshot", assert.AnError)}, logger)

		rr := httptest.NewRecorder()
		h.HandleLeaderboard(rr, httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}
