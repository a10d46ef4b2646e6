package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/emberhq/ember/internal/campaign"
	"github.com/emberhq/ember/internal/middleware"
	"github.com/emberhq/ember/internal/store"
)

const sessionTTL = 30 * 24 * time.Hour

// UserHandler is the provisioning surface the main product calls over the
// shared-secret group: it creates engagement-engine users and mints their
// sessions. There is no self-serve signup; identity lives upstream.
type UserHandler struct {
	users    *store.UserStore
	sessions *store.SessionStore
	workers  *campaign.Workers
	logger   *slog.Logger
}

func NewUserHandler(us *store.UserStore, ss *store.SessionStore, workers *campaign.Workers, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: us, sessions: ss, workers: workers, logger: logger}
}

type createUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// Create handles POST /api/users. A freshly provisioned user gets the
// welcome campaign queued in the background; a full queue degrades to no
// welcome email rather than failing provisioning.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	existing, err := h.users.GetByEmail(req.Email)
	if err != nil {
		h.logger.Error("lookup user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	user, err := h.users.Create(req.Email, req.Name, req.Timezone)
	if err != nil {
		h.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	name := user.Name
	if name == "" {
		name = user.Email
	}
	h.workers.Enqueue(campaign.Task{
		UserID: user.ID,
		Type:   campaign.TypeWelcome,
		Params: campaign.Params{"name": name},
	})

	writeJSON(w, http.StatusCreated, user)
}

type createSessionRequest struct {
	UserID int64 `json:"user_id"`
}

// CreateSession handles POST /api/sessions. The token is returned exactly
// once; only its hash is stored.
func (h *UserHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	user, err := h.users.GetByID(req.UserID)
	if err != nil {
		h.logger.Error("lookup user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	token, sess, err := h.sessions.Create(user.ID, sessionTTL)
	if err != nil {
		h.logger.Error("create session", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"cookie":     middleware.SessionCookieName,
		"expires_at": sess.ExpiresAt,
	})
}

type updateTimezoneRequest struct {
	Timezone string `json:"timezone"`
}

// UpdateTimezone handles PUT /api/users/{id}/timezone. The timezone decides
// where a user's day boundary falls, so the main product pushes changes here
// as soon as the user moves.
func (h *UserHandler) UpdateTimezone(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req updateTimezoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil || req.Timezone == "" {
		writeError(w, http.StatusBadRequest, "invalid timezone")
		return
	}

	user, err := h.users.GetByID(id)
	if err != nil {
		h.logger.Error("lookup user", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update timezone")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := h.users.UpdateTimezone(id, req.Timezone); err != nil {
		h.logger.Error("update timezone", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update timezone")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/users/{id}: deprovisioning. Sessions,
// subscriptions, preferences, counters, and send history cascade.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.users.Delete(id); err != nil {
		h.logger.Error("delete user", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
