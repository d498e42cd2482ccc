package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// LogSender writes messages to the log instead of a provider. It backs any
// channel in development.
type LogSender struct {
	channel db.Channel
	logger  *zap.Logger
}

func NewLogSender(channel db.Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Channel() db.Channel { return s.channel }

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("notification sent",
		zap.String("id", msg.NotificationID.String()),
		zap.String("channel", string(s.channel)),
		zap.String("user_id", msg.UserID),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	)
	return nil
}
