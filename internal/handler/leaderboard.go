package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/service"
)

type LeaderboardService interface {
	Leaderboard(ctx context.Context) (model.Leaderboard, error)
	Summary(ctx context.Context, userID string) (model.UserSummary, error)
}

var _ LeaderboardService = (*service.LeaderboardService)(nil)

// LeaderboardHandler serves the aggregation views.
type LeaderboardHandler struct {
	svc    LeaderboardService
	logger *slog.Logger
}

func NewLeaderboardHandler(svc LeaderboardService, logger *slog.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{svc: svc, logger: logger}
}

// HandleLeaderboard returns the top users and contributions. Public.
//
// HTTP: GET /api/leaderboard
func (h *LeaderboardHandler) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := h.svc.Leaderboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

// HandleSummary returns the caller's standing.
//
// HTTP: GET /api/me/summary
func (h *LeaderboardHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Summary(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
