package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/service"
)

type RedemptionService interface {
	Catalog(ctx context.Context, userID string) ([]model.CatalogEntry, error)
	Redeem(ctx context.Context, userID, rewardID string) (*model.RedemptionReceipt, error)
}

var _ RedemptionService = (*service.RedemptionService)(nil)

// RewardHandler serves the reward catalog and redemption.
type RewardHandler struct {
	svc    RedemptionService
	logger *slog.Logger
}

func NewRewardHandler(svc RedemptionService, logger *slog.Logger) *RewardHandler {
	return &RewardHandler{svc: svc, logger: logger}
}

// HandleCatalog lists the rewards, flagged for the caller.
//
// HTTP: GET /api/rewards
func (h *RewardHandler) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.Catalog(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleRedeem spends credits on a reward.
//
// HTTP: POST /api/rewards/{rewardID}/redeem
// RESPONSES: 201 receipt, 404 unknown_reward, 409 already_redeemed,
// 422 insufficient_balance.
func (h *RewardHandler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	receipt, err := h.svc.Redeem(r.Context(), userID, chi.URLParam(r, "rewardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}
