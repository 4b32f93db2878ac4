package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/auth"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/service"
)

// LedgerService is the slice of *service.LedgerService the account and
// credit handlers use.
type LedgerService interface {
	RegisterAccount(ctx context.Context, userID, email, displayName string) (*model.UserAccount, error)
	Account(ctx context.Context, userID string) (*model.UserAccount, error)
	Increment(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error)
	Debit(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error)
	History(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error)
	ConvertEarned(ctx context.Context, userID string) (*model.Conversion, error)
}

var _ LedgerService = (*service.LedgerService)(nil)

// AccountHandler serves the caller's own account.
type AccountHandler struct {
	svc    LedgerService
	logger *slog.Logger
}

func NewAccountHandler(svc LedgerService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, logger: logger}
}

type updateAccountRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// HandleGetMe returns the caller's account.
//
// HTTP: GET /api/me
func (h *AccountHandler) HandleGetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	acct, err := h.svc.Account(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandlePutMe registers the caller or refreshes their profile. The email
// defaults to the token's email claim. The body is optional.
//
// HTTP: PUT /api/me
// REQUEST BODY: {"email": "a@b.c", "displayName": "Asha"}
func (h *AccountHandler) HandlePutMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w)
		return
	}

	var req updateAccountRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Email == "" {
		req.Email = id.Email
	}

	acct, err := h.svc.RegisterAccount(r.Context(), id.UserID, req.Email, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleHistory pages through the caller's credit transactions.
//
// HTTP: GET /api/credits/history?limit=50&offset=0
func (h *AccountHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	txs, err := h.svc.History(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// HandleConvert moves newly earned contribution credits into the balance.
//
// HTTP: POST /api/credits/convert
func (h *AccountHandler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conv, err := h.svc.ConvertEarned(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperror.ValidationFailed(name, name+" must be a non-negative integer")
	}
	return v, nil
}
