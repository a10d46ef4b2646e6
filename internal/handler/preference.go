package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/emberhq/ember/internal/auth"
	"github.com/emberhq/ember/internal/campaign"
	"github.com/emberhq/ember/internal/store"
)

type PreferenceHandler struct {
	prefs  *store.PreferenceStore
	logger *slog.Logger
}

func NewPreferenceHandler(ps *store.PreferenceStore, logger *slog.Logger) *PreferenceHandler {
	return &PreferenceHandler{prefs: ps, logger: logger}
}

type prefItem struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// List handles GET /api/preferences. Every campaign type appears in the
// response; types the user never touched show their default.
func (h *PreferenceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	stored, err := h.prefs.List(userID)
	if err != nil {
		h.logger.Error("list preferences", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}

	chosen := make(map[string]bool, len(stored))
	for _, p := range stored {
		chosen[p.CampaignType] = p.Enabled
	}

	out := make([]prefItem, 0, len(campaign.All()))
	for _, def := range campaign.All() {
		enabled, ok := chosen[string(def.Type)]
		if !ok {
			enabled = def.DefaultEnabled
		}
		out = append(out, prefItem{Type: string(def.Type), Enabled: enabled})
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": out})
}

type updatePreferencesRequest struct {
	Preferences []prefItem `json:"preferences"`
}

// Update handles PUT /api/preferences. Partial updates: only the listed
// types change. An unknown type rejects the whole request before anything is
// written.
func (h *PreferenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req updatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	for _, p := range req.Preferences {
		if _, err := campaign.ByType(p.Type); err != nil {
			writeError(w, http.StatusBadRequest, "unknown campaign type: "+p.Type)
			return
		}
	}

	for _, p := range req.Preferences {
		if err := h.prefs.Set(userID, p.Type, p.Enabled); err != nil {
			h.logger.Error("set preference", "user_id", userID, "type", p.Type, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update preferences")
			return
		}
	}
	h.List(w, r)
}
