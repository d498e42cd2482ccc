// Package dispatch turns an application event into persisted, queued
// notifications: one per channel the event maps to and the user accepts.
package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/render"
)

var tracer = otel.Tracer("github.com/lalithlochan/courier/internal/dispatch")

type MappingStore interface {
	GetMapping(ctx context.Context, eventType string) (*db.EventMapping, error)
}

type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*db.UserPreferences, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
}

type Pipeline struct {
	mappings MappingStore
	prefs    PreferenceStore
	store    NotificationStore
	queue    queue.Queue
	logger   *zap.Logger
}

func NewPipeline(mappings MappingStore, prefs PreferenceStore, store NotificationStore, q queue.Queue, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		mappings: mappings,
		prefs:    prefs,
		store:    store,
		queue:    q,
		logger:   logger,
	}
}

// Dispatch processes one event. Nothing is returned: every problem is logged
// and, where it concerns a single channel, the remaining channels still run.
func (p *Pipeline) Dispatch(ctx context.Context, eventType string, payload map[string]any) {
	ctx, span := tracer.Start(ctx, "dispatch.event", trace.WithAttributes(
		attribute.String("event.type", eventType),
	))
	defer span.End()

	logger := p.logger.With(zap.String("event_type", eventType))

	userID, ok := UserID(payload)
	if !ok {
		logger.Warn("event has no userId, skipping")
		return
	}
	logger = logger.With(zap.String("user_id", userID))
	span.SetAttributes(attribute.String("user.id", userID))

	mapping, err := p.mappings.GetMapping(ctx, eventType)
	if err != nil {
		logger.Error("failed to resolve event mapping", zap.Error(err))
		return
	}
	if mapping == nil {
		logger.Warn("no notification mapping for event type")
		return
	}

	prefs, err := p.prefs.GetPreferences(ctx, userID)
	if err != nil {
		// Preferences fail open.
		logger.Warn("failed to load user preferences, using defaults", zap.Error(err))
		prefs = nil
	}

	channels := EffectiveChannels(mapping, prefs, eventType)
	if len(channels) == 0 {
		logger.Debug("no channels enabled after applying preferences")
		return
	}

	correlationID := CorrelationID(payload)
	for _, ch := range channels {
		p.dispatchChannel(ctx, logger, mapping, ch, userID, correlationID, payload)
	}
}

func (p *Pipeline) dispatchChannel(
	ctx context.Context,
	logger *zap.Logger,
	mapping *db.EventMapping,
	ch db.Channel,
	userID string,
	correlationID *string,
	payload map[string]any,
) {
	logger = logger.With(zap.String("channel", string(ch)))

	recipientOf, ok := channelTable[ch]
	if !ok {
		logger.Warn("unsupported channel in mapping, skipping")
		metrics.RecordChannelSkipped(string(ch), "unsupported")
		return
	}
	tmpl := mapping.Templates[ch]
	if tmpl == nil {
		logger.Warn("no template for channel, skipping")
		metrics.RecordChannelSkipped(string(ch), "missing_template")
		return
	}
	recipient := recipientOf(userID, payload)
	if recipient == "" {
		logger.Warn("no recipient for channel, skipping")
		metrics.RecordChannelSkipped(string(ch), "missing_recipient")
		return
	}

	notif := &db.Notification{
		UserID:        userID,
		EventType:     mapping.EventType,
		CorrelationID: correlationID,
		Channel:       ch,
		Recipient:     recipient,
		Status:        db.StatusPending,
		Body:          render.Render(tmpl.BodyTemplate, payload),
	}
	if tmpl.SubjectTemplate != nil {
		subject := render.Render(*tmpl.SubjectTemplate, payload)
		notif.Subject = &subject
	}

	if err := p.store.CreateNotification(ctx, notif); err != nil {
		logger.Error("failed to create notification record", zap.Error(err))
		return
	}
	metrics.RecordNotificationCreated(mapping.EventType, string(ch))
	logger = logger.With(zap.String("notification_id", notif.ID.String()))

	if err := p.queue.Enqueue(ctx, queue.NewJob(notif)); err != nil {
		logger.Error("orphaned pending notification: enqueue failed", zap.Error(err))
		return
	}
	logger.Debug("notification enqueued")
}
