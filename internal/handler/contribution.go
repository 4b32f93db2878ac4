package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/quota"
	"github.com/sakif/carbon-ledger/internal/service"
)

// ContributionService is what ContributionHandler needs from the service
// layer. *service.ContributionService satisfies it.
type ContributionService interface {
	Create(ctx context.Context, in service.CreateInput) (*model.Contribution, error)
	Get(ctx context.Context, id string) (*model.Contribution, error)
	ListMine(ctx context.Context, ownerID string) ([]model.Contribution, error)
	AppendGrowth(ctx context.Context, id, requesterID, imageRef string) (*model.Contribution, error)
	RemoveGrowth(ctx context.Context, id, requesterID, growthID string) (*model.Contribution, error)
	Delete(ctx context.Context, id, requesterID string) error
	QuotaStatus(ctx context.Context, userID string) (quota.Status, error)
}

var _ ContributionService = (*service.ContributionService)(nil)

// ContributionHandler serves contribution intake and growth evidence.
type ContributionHandler struct {
	svc    ContributionService
	logger *slog.Logger
}

func NewContributionHandler(svc ContributionService, logger *slog.Logger) *ContributionHandler {
	return &ContributionHandler{svc: svc, logger: logger}
}

// createContributionRequest is the body of POST /api/contributions. The owner
// is always the authenticated caller.
type createContributionRequest struct {
	Species    string                  `json:"species"`
	ImageRef   string                  `json:"imageRef"`
	AgeYears   *int                    `json:"ageYears"`
	AgeMode    model.AgeEstimateMethod `json:"ageMode"`
	AgeRange   string                  `json:"ageRange"`
	Confidence model.Confidence        `json:"confidence"`
	TrustLevel model.TrustLevel        `json:"trustLevel"`
	CO2PerYear float64                 `json:"co2PerYear"`
	Location   *model.Location         `json:"location"`
}

// HandleCreate records a new contribution.
//
// HTTP: POST /api/contributions
// RESPONSES: 201 created, 400 validation, 429 quota_exceeded, 502 identification down.
func (h *ContributionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createContributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	c, err := h.svc.Create(r.Context(), service.CreateInput{
		OwnerID:    userID,
		Species:    req.Species,
		ImageRef:   req.ImageRef,
		AgeYears:   req.AgeYears,
		AgeMode:    req.AgeMode,
		AgeRange:   req.AgeRange,
		Confidence: req.Confidence,
		TrustLevel: req.TrustLevel,
		CO2PerYear: req.CO2PerYear,
		Location:   req.Location,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleList returns the caller's contributions, newest first.
//
// HTTP: GET /api/contributions
func (h *ContributionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListMine(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGet returns one contribution.
//
// HTTP: GET /api/contributions/{id}
func (h *ContributionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type appendGrowthRequest struct {
	ImageRef string `json:"imageRef"`
}

// HandleAppendGrowth adds a growth photo to the caller's contribution.
//
// HTTP: POST /api/contributions/{id}/growth
// REQUEST BODY: {"imageRef": "https://..."}
func (h *ContributionHandler) HandleAppendGrowth(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	h.appendGrowth(w, r, userID)
}

// HandleSystemAppendGrowth adds a growth photo on behalf of a trusted
// collaborator, without an ownership check.
//
// HTTP: POST /internal/contributions/{id}/growth
func (h *ContributionHandler) HandleSystemAppendGrowth(w http.ResponseWriter, r *http.Request) {
	h.appendGrowth(w, r, "")
}

func (h *ContributionHandler) appendGrowth(w http.ResponseWriter, r *http.Request, requesterID string) {
	var req appendGrowthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	c, err := h.svc.AppendGrowth(r.Context(), chi.URLParam(r, "id"), requesterID, req.ImageRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleRemoveGrowth deletes one growth update.
//
// HTTP: DELETE /api/contributions/{id}/growth/{growthID}
func (h *ContributionHandler) HandleRemoveGrowth(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := h.svc.RemoveGrowth(r.Context(), chi.URLParam(r, "id"), userID, chi.URLParam(r, "growthID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleDelete removes the caller's contribution.
//
// HTTP: DELETE /api/contributions/{id}
// RESPONSES: 204, 403 not the owner, 404.
func (h *ContributionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleQuota reports today's submission allowance.
//
// HTTP: GET /api/quota
func (h *ContributionHandler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	st, err := h.svc.QuotaStatus(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
