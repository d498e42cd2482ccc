// Package queue defines the delivery job contract shared by the queue backends
// and the worker pool. Backends live next to their clients (internal/redis, internal/sqs).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultLease       = time.Minute
)

var (
	ErrInvalidJob = errors.New("invalid job")
	// ErrLeaseLost means the claim expired and the job was handed to another worker.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrLeaseExpired is recorded on a notification whose final attempt never reported back.
	ErrLeaseExpired = errors.New("lease expired on final attempt")
)

// Job carries everything a sender needs. Its identity is NotificationID.
type Job struct {
	NotificationID uuid.UUID  `json:"notification_id"`
	UserID         string     `json:"user_id"`
	Channel        db.Channel `json:"channel"`
	Recipient      string     `json:"recipient"`
	Subject        *string    `json:"subject,omitempty"`
	Body           string     `json:"body"`
	Retries        int        `json:"retries"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
}

// NewJob builds the job for a persisted notification.
func NewJob(n *db.Notification) Job {
	return Job{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        n.Channel,
		Recipient:      n.Recipient,
		Subject:        n.Subject,
		Body:           n.Body,
		Retries:        n.RetriesCount,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func (j Job) Validate() error {
	switch {
	case j.NotificationID == uuid.Nil:
		return errors.Join(ErrInvalidJob, errors.New("missing notification id"))
	case !j.Channel.Valid():
		return errors.Join(ErrInvalidJob, errors.New("unknown channel "+string(j.Channel)))
	case j.Recipient == "":
		return errors.Join(ErrInvalidJob, errors.New("missing recipient"))
	}
	return nil
}

// Delivery is one claimed attempt of a job. Attempt starts at 1.
type Delivery struct {
	Job     Job
	Attempt int
	// Receipt identifies the claim to the backend that issued it.
	Receipt string
}

// Queue is a durable, at-least-once job queue keyed by notification id.
//
// Enqueue replaces any queued job with the same id instead of adding a second one.
// If that job is mid-attempt, the new payload runs after the attempt finishes.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// EnqueueIfAbsent schedules job only when no job with its id is queued or running.
	EnqueueIfAbsent(ctx context.Context, job Job) (bool, error)
	// Claim returns the next due job, or (nil, nil) when nothing is due.
	Claim(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery) error
	// Fail records a failed attempt and schedules a backoff retry.
	// It reports terminal=true once the attempt budget is spent.
	Fail(ctx context.Context, d *Delivery, cause error) (terminal bool, err error)
	// Bury parks a job as failed without further attempts.
	Bury(ctx context.Context, d *Delivery, cause error) error
}

// Reaper is implemented by backends that must recover leases from crashed workers.
type Reaper interface {
	ReapExpired(ctx context.Context) (ReapResult, error)
}

// ReapResult reports one lease sweep.
type ReapResult struct {
	// Requeued counts expired leases returned to the schedule.
	Requeued int
	// Exhausted lists jobs whose lease expired on their final attempt. They
	// are parked as failed and the caller owns marking their records.
	Exhausted []uuid.UUID
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Scheduled int64
	Active    int64
	Failed    int64
}

// Config is the retry policy shared by all backends.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	Lease       time.Duration
}

func (c Config) WithDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	return c
}

// Backoff returns the delay before the retry that follows failed attempt n:
// base, 2*base, 4*base, ...
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return c.BackoffBase << (attempt - 1)
}
