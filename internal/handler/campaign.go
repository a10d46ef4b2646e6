package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/emberhq/ember/internal/campaign"
)

type CampaignHandler struct {
	dispatcher *campaign.Dispatcher
	logger     *slog.Logger
}

func NewCampaignHandler(d *campaign.Dispatcher, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{dispatcher: d, logger: logger}
}

// Dispatch handles POST /api/campaigns/{type}/dispatch: one bulk run over all
// eligible users. Re-posting within the same period is safe; already-notified
// users come back as skips.
func (h *CampaignHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("type")
	if _, err := campaign.ByType(name); err != nil {
		writeError(w, http.StatusNotFound, "unknown campaign type: "+name)
		return
	}

	res, err := h.dispatcher.SendBulk(r.Context(), campaign.Type(name), nil)
	if err != nil {
		h.logger.Error("bulk dispatch", "campaign", name, "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sendRequest struct {
	UserID int64           `json:"user_id"`
	Params campaign.Params `json:"params"`
}

// Send handles POST /api/campaigns/{type}/send: one transactional send,
// used by the main product for event-driven campaigns like task reminders.
// The structured result is returned as-is so the caller can distinguish a
// skip from a delivery failure.
func (h *CampaignHandler) Send(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("type")
	if _, err := campaign.ByType(name); err != nil {
		writeError(w, http.StatusNotFound, "unknown campaign type: "+name)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	res, err := h.dispatcher.SendToUser(r.Context(), req.UserID, campaign.Type(name), req.Params)
	switch {
	case errors.Is(err, campaign.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case errors.Is(err, campaign.ErrMissingParam):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("transactional send", "campaign", name, "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
