package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/emberhq/ember/internal/auth"
	"github.com/emberhq/ember/internal/model"
	"github.com/emberhq/ember/internal/store"
	"github.com/emberhq/ember/internal/streak"
	"github.com/emberhq/ember/internal/websocket"
)

type ActivityHandler struct {
	users    *store.UserStore
	activity *store.ActivityStore
	hub      *websocket.Hub
	logger   *slog.Logger
	now      func() time.Time
}

func NewActivityHandler(us *store.UserStore, as *store.ActivityStore, hub *websocket.Hub, logger *slog.Logger) *ActivityHandler {
	return &ActivityHandler{users: us, activity: as, hub: hub, logger: logger, now: time.Now}
}

// WithClock overrides the time source for tests.
func (h *ActivityHandler) WithClock(now func() time.Time) *ActivityHandler {
	h.now = now
	return h
}

type activityResponse struct {
	model.ActivityRecord
	IsNewDay       bool `json:"is_new_day"`
	WasConsecutive bool `json:"was_consecutive"`
}

// Record handles POST /api/activity. It stamps the user's activity at the
// current moment, advances the streak in the user's timezone, and pushes the
// updated counters to the user's connected clients.
func (h *ActivityHandler) Record(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	user, err := h.users.GetByID(userID)
	if err != nil {
		h.logger.Error("load user", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record activity")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	rec, err := h.activity.Get(userID)
	if err != nil {
		h.logger.Error("load activity record", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record activity")
		return
	}
	if rec == nil {
		rec = &model.ActivityRecord{UserID: userID}
	}

	res := streak.Advance(*rec, h.now(), userLocation(user))
	if err := h.activity.Save(res.Record); err != nil {
		h.logger.Error("save activity record", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record activity")
		return
	}

	if res.IsNewDay {
		h.hub.Publish(userID, websocket.NewEvent(websocket.EventStreakUpdated, map[string]any{
			"current_streak":  res.Record.CurrentStreak,
			"longest_streak":  res.Record.LongestStreak,
			"was_consecutive": res.WasConsecutive,
		}))
	}

	writeJSON(w, http.StatusOK, activityResponse{
		ActivityRecord: res.Record,
		IsNewDay:       res.IsNewDay,
		WasConsecutive: res.WasConsecutive,
	})
}

// Streak handles GET /api/streak. A user with no recorded activity gets a
// zero-valued record rather than a 404.
func (h *ActivityHandler) Streak(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	rec, err := h.activity.Get(userID)
	if err != nil {
		h.logger.Error("load activity record", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load streak")
		return
	}
	if rec == nil {
		rec = &model.ActivityRecord{UserID: userID}
	}
	writeJSON(w, http.StatusOK, rec)
}

func userLocation(user *model.User) *time.Location {
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil || user.Timezone == "" {
		return time.UTC
	}
	return loc
}
