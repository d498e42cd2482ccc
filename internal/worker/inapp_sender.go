package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/redis"
)

// InboxPublisher pushes an in-app message to a user's live channel.
type InboxPublisher interface {
	Publish(ctx context.Context, msg redis.InboxMessage) (int64, error)
}

// InAppSender delivers in-app notifications. The stored record is the inbox,
// so a send with no connected subscriber still succeeds.
type InAppSender struct {
	publisher InboxPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewInAppSender(publisher InboxPublisher, logger *zap.Logger) *InAppSender {
	return &InAppSender{publisher: publisher, logger: logger, now: time.Now}
}

func (s *InAppSender) Channel() db.Channel { return db.ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, msg Message) error {
	receivers, err := s.publisher.Publish(ctx, redis.InboxMessage{
		NotificationID: msg.NotificationID.String(),
		UserID:         msg.Recipient,
		Subject:        msg.Subject,
		Body:           msg.Body,
		SentAt:         s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("in-app publish failed: %w", err)
	}

	s.logger.Debug("in-app notification delivered",
		zap.String("id", msg.NotificationID.String()),
		zap.String("user_id", msg.Recipient),
		zap.Int64("live_receivers", receivers),
	)
	return nil
}
