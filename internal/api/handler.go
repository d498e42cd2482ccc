package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/redis"
)

// Dispatcher runs the event pipeline. It reports nothing back; failures are logged.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]any)
}

type AdminService interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	List(ctx context.Context, filter db.NotificationFilter) ([]*db.Notification, error)
	Retry(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*db.UserPreferences, error)
	UpdatePreferences(ctx context.Context, userID string, patch db.UserPreferences) (*db.UserPreferences, error)
}

type InboxStore interface {
	ListInbox(ctx context.Context, userID string, limit int) ([]*db.Notification, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const (
	defaultDispatchTimeout = 30 * time.Second
	maxBodyBytes           = 1 << 20
)

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	admin       AdminService
	prefs       PreferenceStore
	inbox       InboxStore
	idempotency *redis.IdempotencyService // nil if Redis not configured

	dispatchTimeout time.Duration
	inflight        sync.WaitGroup
}

func NewHandler(logger *zap.Logger, dispatcher Dispatcher, admin AdminService, prefs PreferenceStore, inbox InboxStore) *Handler {
	return &Handler{
		logger:          logger,
		dispatcher:      dispatcher,
		admin:           admin,
		prefs:           prefs,
		inbox:           inbox,
		dispatchTimeout: defaultDispatchTimeout,
	}
}

// WithIdempotency enables Idempotency-Key handling on event ingestion.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithDispatchTimeout bounds each background pipeline run.
func (h *Handler) WithDispatchTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.dispatchTimeout = d
	}
	return h
}

// Wait blocks until every accepted event has finished dispatching.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, problem ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}
