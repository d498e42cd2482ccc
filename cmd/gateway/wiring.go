package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/worker"
)

func newQueue(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (queue.Queue, error) {
	policy := queue.Config{
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
		Lease:       cfg.QueueLease,
	}

	switch cfg.QueueBackend {
	case config.QueueBackendSQS:
		q, err := sqs.New(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSQueueURL,
			DLQURL:   cfg.SQSDLQURL,
			Endpoint: cfg.SQSEndpoint,
		}, policy, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs queue: %w", err)
		}
		return q, nil
	default:
		return redis.NewJobQueue(redisClient, policy, logger), nil
	}
}

// newSenders builds one sender per channel. Provider-backed senders sit
// behind a circuit breaker named after the provider.
func newSenders(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*worker.Registry, error) {
	var email worker.Sender
	switch cfg.EmailProvider {
	case config.ProviderSES:
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES sender: %w", err)
		}
		email = circuitbreaker.Wrap("ses", ses, logger)
	case config.ProviderPostmark:
		pm, err := worker.NewPostmarkSender(worker.PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			FromEmail:    cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Postmark sender: %w", err)
		}
		email = circuitbreaker.Wrap("postmark", pm, logger)
	default:
		email = worker.NewLogSender(db.ChannelEmail, logger)
	}

	var sms worker.Sender
	switch cfg.SMSProvider {
	case config.ProviderSNS:
		sns, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region:   cfg.AWSRegion,
			SenderID: cfg.SMSSenderID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sender: %w", err)
		}
		sms = circuitbreaker.Wrap("sns", sns, logger)
	default:
		sms = worker.NewLogSender(db.ChannelSMS, logger)
	}

	var inApp worker.Sender
	if redisClient != nil {
		inApp = worker.NewInAppSender(redis.NewInboxPublisher(redisClient, logger), logger)
	} else {
		inApp = worker.NewLogSender(db.ChannelInApp, logger)
	}

	registry, err := worker.NewRegistry(email, sms, inApp)
	if err != nil {
		return nil, fmt.Errorf("failed to build sender registry: %w", err)
	}
	if err := registry.Require(db.Channels...); err != nil {
		return nil, err
	}

	logger.Info("initialized channel senders",
		zap.String("email", cfg.EmailProvider),
		zap.String("sms", cfg.SMSProvider),
		zap.Bool("in_app_live", redisClient != nil),
	)
	return registry, nil
}
