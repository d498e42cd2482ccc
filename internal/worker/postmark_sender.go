package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkSender delivers email through the Postmark API.
type PostmarkSender struct {
	client postmarkAPI
	from   string
	logger *zap.Logger
}

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromEmail    string
}

func NewPostmarkSender(cfg PostmarkConfig, logger *zap.Logger) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("postmark sender requires a server token")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("postmark sender requires a from address")
	}
	return newPostmarkSender(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg.FromEmail, logger), nil
}

func newPostmarkSender(client postmarkAPI, from string, logger *zap.Logger) *PostmarkSender {
	return &PostmarkSender{client: client, from: from, logger: logger}
}

func (s *PostmarkSender) Channel() db.Channel { return db.ChannelEmail }

func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return errors.New("email message missing recipient")
	}
	subject := msg.Subject
	if subject == "" {
		subject = DefaultEmailSubject
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.from,
		To:       msg.Recipient,
		Subject:  subject,
		TextBody: msg.Body,
		Tag:      string(db.ChannelEmail),
	})
	if err != nil {
		return fmt.Errorf("postmark send failed: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("postmark rejected message: code %d: %s", resp.ErrorCode, resp.Message)
	}

	s.logger.Info("email sent via Postmark",
		zap.String("id", msg.NotificationID.String()),
		zap.String("to", msg.Recipient),
		zap.String("message_id", resp.MessageID),
	)
	return nil
}
