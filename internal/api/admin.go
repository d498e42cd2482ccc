package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/admin"
	"github.com/lalithlochan/courier/internal/db"
)

// ListNotificationsResponse wraps a page of notifications.
type ListNotificationsResponse struct {
	Data   []*db.Notification `json:"data"`
	Count  int                `json:"count"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// RetryResponse is returned when a failed notification is re-queued.
type RetryResponse struct {
	ID           uuid.UUID `json:"id"`
	Status       db.Status `json:"status"`
	RetriesCount int       `json:"retries_count"`
}

// ListNotifications handles GET /v1/admin/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	filter, err := parseNotificationFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_query", "Invalid Query", err.Error())
		return
	}

	notifs, err := h.admin.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "failed to list notifications")
		return
	}
	if notifs == nil {
		notifs = []*db.Notification{}
	}

	h.writeJSON(w, http.StatusOK, ListNotificationsResponse{
		Data:   notifs,
		Count:  len(notifs),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// GetNotification handles GET /v1/admin/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid ID", "notification ID must be a valid UUID")
		return
	}

	notif, err := h.admin.Get(r.Context(), id)
	if errors.Is(err, admin.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Not Found", "notification not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("notification_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "failed to get notification")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// RetryNotification handles POST /v1/admin/notifications/{id}/retry
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid ID", "notification ID must be a valid UUID")
		return
	}

	notif, err := h.admin.Retry(r.Context(), id)
	switch {
	case errors.Is(err, admin.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not Found", "notification not found")
		return
	case errors.Is(err, admin.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", "Invalid State", "only FAILED notifications can be retried")
		return
	case err != nil:
		h.logger.Error("failed to retry notification", zap.Error(err), zap.String("notification_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "failed to retry notification")
		return
	}

	actor := "unknown"
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		actor = claims.Subject
	}
	h.logger.Info("notification re-queued by admin",
		zap.String("notification_id", id.String()),
		zap.String("actor", actor),
		zap.Int("retries_count", notif.RetriesCount),
	)

	h.writeJSON(w, http.StatusAccepted, RetryResponse{
		ID:           notif.ID,
		Status:       notif.Status,
		RetriesCount: notif.RetriesCount,
	})
}

func parseNotificationFilter(q url.Values) (db.NotificationFilter, error) {
	filter := db.NotificationFilter{
		EventType:     q.Get("eventType"),
		UserID:        q.Get("userId"),
		CorrelationID: q.Get("correlationId"),
		Limit:         db.DefaultListLimit,
	}

	if s := q.Get("status"); s != "" {
		filter.Status = db.Status(s)
		if !filter.Status.Valid() {
			return filter, errors.New("unknown status " + strconv.Quote(s))
		}
	}
	if c := q.Get("channel"); c != "" {
		filter.Channel = db.Channel(c)
		if !filter.Channel.Valid() {
			return filter, errors.New("unknown channel " + strconv.Quote(c))
		}
	}

	var err error
	if filter.StartDate, err = parseTime(q.Get("startDate")); err != nil {
		return filter, errors.New("startDate must be RFC 3339")
	}
	if filter.EndDate, err = parseTime(q.Get("endDate")); err != nil {
		return filter, errors.New("endDate must be RFC 3339")
	}

	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = min(parsed, db.MaxListLimit)
		}
	}
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			filter.Offset = parsed
		}
	}

	return filter, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
