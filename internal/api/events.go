package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// CreateEventRequest is the body of POST /v1/events.
type CreateEventRequest struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

type CreateEventResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// CreateEvent handles POST /v1/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", err.Error())
		return
	}

	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventType == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Validation Failed", "eventType is required")
		return
	}

	payload, err := decodePayload(req.Payload)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Validation Failed", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	scope := "events:" + req.EventType
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(r.Context(), scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request", "Duplicate Request",
				"a request with this Idempotency-Key is still being processed")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, continuing without it", zap.Error(err))
			idempotencyKey = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, CreateEventResponse{EventID: cached.EventID, Status: "accepted"})
			return
		}
	}

	eventID := uuid.NewString()
	metrics.RecordEventReceived(req.EventType)
	h.dispatchAsync(r.Context(), eventID, req.EventType, payload)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			EventID:    eventID,
			StatusCode: http.StatusAccepted,
			CreatedAt:  time.Now().Unix(),
		}
		if err := h.idempotency.Store(r.Context(), scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusAccepted, CreateEventResponse{EventID: eventID, Status: "accepted"})
}

// dispatchAsync runs the pipeline after the response is written. The request
// context's values (trace span, request id) survive but its cancellation does not.
func (h *Handler) dispatchAsync(parent context.Context, eventID, eventType string, payload map[string]any) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("event dispatch panicked",
					zap.String("event_id", eventID),
					zap.String("event_type", eventType),
					zap.Any("panic", r),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.dispatchTimeout)
		defer cancel()

		h.dispatcher.Dispatch(ctx, eventType, payload)
	}()
}

// decodePayload requires a JSON object. Numbers stay json.Number so templates
// render them exactly as the producer sent them.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("payload is required")
	}
	if trimmed[0] != '{' {
		return nil, errors.New("payload must be a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}
