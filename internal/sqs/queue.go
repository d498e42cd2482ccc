// Package sqs implements the delivery queue on an SQS FIFO queue.
//
// Each notification id is its own message group, so attempts for one
// notification are strictly sequential while different notifications run in parallel.
// Backoff uses the message visibility timeout and the attempt number is SQS's
// ApproximateReceiveCount.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/queue"
)

// API is the subset of the SQS client used by Queue.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	DLQURL   string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint string
	WaitTime time.Duration
}

// Queue is the SQS-backed delivery queue.
type Queue struct {
	client API
	cfg    Config
	policy queue.Config
	logger *zap.Logger
}

var _ queue.Queue = (*Queue)(nil)

// ErrNotFIFO is returned for a standard queue URL. Without message groups and
// deduplication ids, attempts for one notification could run concurrently.
var ErrNotFIFO = errors.New("sqs queue must be a FIFO queue (.fifo)")

// New loads AWS credentials from the environment and builds a queue client.
func New(ctx context.Context, cfg Config, policy queue.Config, logger *zap.Logger) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Bool("dlq_enabled", cfg.DLQURL != ""),
	)

	return NewWithClient(client, cfg, policy, logger)
}

// NewWithClient builds a queue on an existing client.
func NewWithClient(client API, cfg Config, policy queue.Config, logger *zap.Logger) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 10 * time.Second
	}
	return &Queue{
		client: client,
		cfg:    cfg,
		policy: policy.WithDefaults(),
		logger: logger,
	}, nil
}

func (c Config) validate() error {
	if !IsFIFO(c.QueueURL) {
		return fmt.Errorf("queue url %q: %w", c.QueueURL, ErrNotFIFO)
	}
	if c.DLQURL != "" && !IsFIFO(c.DLQURL) {
		return fmt.Errorf("dead-letter queue url %q: %w", c.DLQURL, ErrNotFIFO)
	}
	return nil
}

// IsFIFO reports whether url names an SQS FIFO queue.
func IsFIFO(url string) bool {
	return strings.HasSuffix(url, ".fifo")
}

// Enqueue sends job to the queue. The deduplication id is derived from the
// notification id and its retry count, so a producer resend inside the
// five-minute dedup window collapses into one message.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	id := job.NotificationID.String()
	result, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.cfg.QueueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(id),
		MessageDeduplicationId: aws.String(dedupID(job)),
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("notification_id", id),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Debug("job enqueued to sqs",
		zap.String("notification_id", id),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func dedupID(job queue.Job) string {
	return fmt.Sprintf("%s-%d", job.NotificationID, job.Retries)
}

// EnqueueIfAbsent relies on FIFO deduplication; SQS cannot report whether a
// message for the id is already in flight. The dedup window is five minutes,
// so a resend after that is accepted as a new message. Callers that sweep
// for orphans must not re-offer ids younger than their own stale threshold
// while an earlier message may still be queued.
func (q *Queue) EnqueueIfAbsent(ctx context.Context, job queue.Job) (bool, error) {
	if err := q.Enqueue(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// Claim long-polls for one message and hides it for the lease duration.
func (q *Queue) Claim(ctx context.Context) (*queue.Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.policy.Lease / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]

	var job queue.Job
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
		q.logger.Error("dropping undecodable sqs message",
			zap.Error(err),
			zap.String("message_id", aws.ToString(msg.MessageId)),
		)
		_ = q.deleteMessage(ctx, aws.ToString(msg.ReceiptHandle))
		return nil, fmt.Errorf("invalid message format: %w", err)
	}

	attempt := 1
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			attempt = n
		}
	}

	return &queue.Delivery{
		Job:     job,
		Attempt: attempt,
		Receipt: aws.ToString(msg.ReceiptHandle),
	}, nil
}

// Complete deletes the message.
func (q *Queue) Complete(ctx context.Context, d *queue.Delivery) error {
	return q.deleteMessage(ctx, d.Receipt)
}

// Fail delays redelivery by the backoff for this attempt, or dead-letters the
// message once the attempt budget is spent.
func (q *Queue) Fail(ctx context.Context, d *queue.Delivery, cause error) (bool, error) {
	if d.Attempt >= q.policy.MaxAttempts {
		return true, q.Bury(ctx, d, cause)
	}

	delay := q.policy.Backoff(d.Attempt)
	seconds := int32(delay / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return false, fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return false, nil
}

// Bury copies the job to the dead-letter queue, when configured, and deletes it.
func (q *Queue) Bury(ctx context.Context, d *queue.Delivery, cause error) error {
	if q.cfg.DLQURL != "" {
		if err := q.deadLetter(ctx, d, cause); err != nil {
			return err
		}
	}
	return q.deleteMessage(ctx, d.Receipt)
}

func (q *Queue) deadLetter(ctx context.Context, d *queue.Delivery, cause error) error {
	body, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	id := d.Job.NotificationID.String()
	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.cfg.DLQURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(id),
		MessageDeduplicationId: aws.String(dedupID(d.Job) + "-dlq"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"attempts": {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(d.Attempt))},
		},
	}
	if cause != nil && cause.Error() != "" {
		input.MessageAttributes["error"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(cause.Error()),
		}
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs dead-letter failed: %w", err)
	}

	q.logger.Warn("job moved to dead-letter queue",
		zap.String("notification_id", id),
		zap.Int("attempts", d.Attempt),
	)
	return nil
}

func (q *Queue) deleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
