// Package admin holds the operator actions on notification records.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/queue"
)

type Store interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status db.Status, errorDetails *string) (*db.Notification, error)
	ListNotifications(ctx context.Context, filter db.NotificationFilter) ([]*db.Notification, error)
}

type Service struct {
	store  Store
	queue  queue.Queue
	logger *zap.Logger
}

func NewService(store Store, q queue.Queue, logger *zap.Logger) *Service {
	return &Service{store: store, queue: q, logger: logger}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return s.store.GetNotification(ctx, id)
}

func (s *Service) List(ctx context.Context, filter db.NotificationFilter) ([]*db.Notification, error) {
	return s.store.ListNotifications(ctx, filter)
}

// Retry moves a FAILED notification to RETRIED and enqueues a new job built
// from the stored channel, recipient and rendered content.
//
// If the enqueue fails the record stays RETRIED and the reconciler picks it up.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	current, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != db.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, current.Status)
	}

	updated, err := s.store.UpdateNotificationStatus(ctx, id, db.StatusRetried, nil)
	if err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, fmt.Errorf("mark notification retried: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.NewJob(updated)); err != nil {
		s.logger.Error("retry enqueue failed, notification left RETRIED",
			zap.String("notification_id", id.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}

	s.logger.Info("notification retry enqueued",
		zap.String("notification_id", id.String()),
		zap.String("channel", string(updated.Channel)),
		zap.Int("retries_count", updated.RetriesCount),
	)
	return updated, nil
}
