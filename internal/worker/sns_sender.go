package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS notifications via AWS SNS direct publish.
type SNSSender struct {
	client   snsAPI
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region string
	// SenderID is shown as the SMS sender where carriers support it.
	SenderID string
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return newSNSSender(sns.NewFromConfig(awsCfg), cfg.SenderID, logger), nil
}

func newSNSSender(client snsAPI, senderID string, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, senderID: senderID, logger: logger}
}

func (s *SNSSender) Channel() db.Channel { return db.ChannelSMS }

func (s *SNSSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return errors.New("sms message missing phone number")
	}
	if msg.Body == "" {
		return errors.New("sms message has empty body")
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.Recipient),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", msg.NotificationID.String()),
		zap.String("phone_number", msg.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
