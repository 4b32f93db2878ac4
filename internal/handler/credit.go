package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/carbon-ledger/internal/model"
)

// CreditHandler serves the internal credit routes used by game-reward
// collaborators. The routes sit behind auth.RequireServiceKey; the user is
// named in the body, not taken from a token.
type CreditHandler struct {
	svc    LedgerService
	logger *slog.Logger
}

func NewCreditHandler(svc LedgerService, logger *slog.Logger) *CreditHandler {
	return &CreditHandler{svc: svc, logger: logger}
}

type creditRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// HandleIncrement grants credits.
//
// HTTP: POST /internal/credits/increment
// REQUEST BODY: {"userId": "u1", "amount": 5, "reason": "eco quiz"}
func (h *CreditHandler) HandleIncrement(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.svc.Increment)
}

// HandleDebit removes credits, refusing to go below zero.
//
// HTTP: POST /internal/credits/debit
func (h *CreditHandler) HandleDebit(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.svc.Debit)
}

func (h *CreditHandler) apply(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error),
) {
	var req creditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx, err := op(r.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
