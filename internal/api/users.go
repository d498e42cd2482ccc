package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

const inboxLimit = 50

// UpdatePreferencesRequest is a partial preferences document. Keys present
// overwrite stored values; keys absent are left alone.
type UpdatePreferencesRequest struct {
	Global            map[db.Channel]bool            `json:"global"`
	NotificationTypes map[string]map[db.Channel]bool `json:"notificationTypes"`
}

type InboxResponse struct {
	Data  []*db.Notification `json:"data"`
	Count int                `json:"count"`
}

// GetPreferences handles GET /v1/users/{userId}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}

	prefs, err := h.prefs.GetPreferences(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get preferences", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "failed to get preferences")
		return
	}
	if prefs == nil {
		prefs = &db.UserPreferences{UserID: userID}
	}
	if prefs.Global == nil {
		prefs.Global = map[db.Channel]bool{}
	}
	if prefs.NotificationTypes == nil {
		prefs.NotificationTypes = map[string]map[db.Channel]bool{}
	}

	h.writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /v1/users/{userId}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", err.Error())
		return
	}

	for ch := range req.Global {
		if !ch.Valid() {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Validation Failed", "unknown channel "+string(ch))
			return
		}
	}
	for _, channels := range req.NotificationTypes {
		for ch := range channels {
			if !ch.Valid() {
				h.writeError(w, http.StatusBadRequest, "validation_error", "Validation Failed", "unknown channel "+string(ch))
				return
			}
		}
	}

	prefs, err := h.prefs.UpdatePreferences(r.Context(), userID, db.UserPreferences{
		Global:            req.Global,
		NotificationTypes: req.NotificationTypes,
	})
	if err != nil {
		h.logger.Error("failed to update preferences", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "failed to update preferences")
		return
	}

	h.writeJSON(w, http.StatusOK, prefs)
}

// GetInbox handles GET /v1/users/{userId}/inbox
func (h *Handler) GetInbox(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}

	notifs, err := h.inbox.ListInbox(r.Context(), userID, inboxLimit)
	if err != nil {
		h.logger.Error("failed to list inbox", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "failed to list inbox")
		return
	}
	if notifs == nil {
		notifs = []*db.Notification{}
	}

	h.writeJSON(w, http.StatusOK, InboxResponse{Data: notifs, Count: len(notifs)})
}

func (h *Handler) userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_user", "Invalid User", "userId is required")
		return "", false
	}
	return userID, true
}
