package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// InboxMessage is the in-app notification pushed to a user's live channel.
type InboxMessage struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Subject        string    `json:"subject,omitempty"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
}

// InboxPublisher fans in-app notifications out over Redis pub/sub.
type InboxPublisher struct {
	client *Client
	logger *zap.Logger
}

func NewInboxPublisher(client *Client, logger *zap.Logger) *InboxPublisher {
	return &InboxPublisher{client: client, logger: logger}
}

// InboxChannel is the pub/sub channel carrying userID's in-app notifications.
func InboxChannel(userID string) string {
	return "courier:inbox:" + userID
}

// Publish pushes msg to the user's channel and reports how many subscribers received it.
func (p *InboxPublisher) Publish(ctx context.Context, msg InboxMessage) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal inbox message: %w", err)
	}

	receivers, err := p.client.rdb.Publish(ctx, InboxChannel(msg.UserID), data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish inbox message: %w", err)
	}

	p.logger.Debug("in-app notification published",
		zap.String("notification_id", msg.NotificationID),
		zap.String("user_id", msg.UserID),
		zap.Int64("receivers", receivers),
	)
	return receivers, nil
}
