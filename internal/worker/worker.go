package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

var tracer = otel.Tracer("github.com/lalithlochan/courier/internal/worker")

// Repository records delivery outcomes on the notification.
type Repository interface {
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status db.Status, errorDetails *string) (*db.Notification, error)
}

type Config struct {
	// Concurrency bounds in-flight sends across all channels.
	Concurrency   int
	PollInterval  time.Duration
	SenderTimeout time.Duration
	ReapInterval  time.Duration
	StatsInterval time.Duration
}

// Worker claims jobs from the queue and hands them to channel senders.
type Worker struct {
	queue   queue.Queue
	repo    Repository
	senders *Registry
	config  Config
	logger  *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(q queue.Queue, repo Repository, senders *Registry, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SenderTimeout <= 0 {
		cfg.SenderTimeout = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}

	return &Worker{
		queue:   q,
		repo:    repo,
		senders: senders,
		config:  cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// statsSource is implemented by backends that can report their depth.
type statsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Run polls until ctx is cancelled, then waits for in-flight sends to finish.
// Sends already started run to completion on a context detached from ctx.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Any("channels", w.senders.Channels()),
	)

	poll := time.NewTicker(w.config.PollInterval)
	defer poll.Stop()

	var reapC, statsC <-chan time.Time
	reaper, canReap := w.queue.(queue.Reaper)
	if canReap {
		t := time.NewTicker(w.config.ReapInterval)
		defer t.Stop()
		reapC = t.C
	}
	stats, hasStats := w.queue.(statsSource)
	if hasStats {
		t := time.NewTicker(w.config.StatsInterval)
		defer t.Stop()
		statsC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, waiting for in-flight deliveries")
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return nil
		case <-reapC:
			w.reap(ctx, reaper)
		case <-statsC:
			w.reportDepth(ctx, stats)
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

// drain claims jobs until the queue is empty or every slot is busy.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		d, err := w.queue.Claim(ctx)
		if err != nil || d == nil {
			<-w.sem
			if err != nil && ctx.Err() == nil {
				w.logger.Error("failed to claim job", zap.Error(err))
			}
			return
		}

		metrics.SetWorkersBusy(len(w.sem))
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() {
				<-w.sem
				metrics.SetWorkersBusy(len(w.sem))
			}()
			w.process(context.WithoutCancel(ctx), d)
		}()
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	logger := w.logger.With(
		zap.String("notification_id", job.NotificationID.String()),
		zap.String("channel", string(job.Channel)),
		zap.Int("attempt", d.Attempt),
	)

	ctx, span := tracer.Start(ctx, "worker.deliver", trace.WithAttributes(
		attribute.String("notification.id", job.NotificationID.String()),
		attribute.String("notification.channel", string(job.Channel)),
		attribute.Int("delivery.attempt", d.Attempt),
	))
	defer span.End()

	sender, ok := w.senders.Get(job.Channel)
	if !ok {
		cause := fmt.Errorf("%w: %s", ErrNoSender, job.Channel)
		logger.Error("no sender for channel, parking job", zap.Error(cause))
		span.SetStatus(codes.Error, cause.Error())
		w.markFailed(ctx, job.NotificationID, cause, logger)
		if err := w.queue.Bury(ctx, d, cause); err != nil {
			logger.Error("failed to park job", zap.Error(err))
		}
		metrics.RecordTerminalFailure(string(job.Channel))
		return
	}

	if err := w.send(ctx, sender, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("delivery failed", zap.Error(err))
		metrics.RecordNotificationProcessed("failed", string(job.Channel))

		w.markFailed(ctx, job.NotificationID, err, logger)

		terminal, ferr := w.queue.Fail(ctx, d, err)
		if ferr != nil {
			if errors.Is(ferr, queue.ErrLeaseLost) {
				logger.Warn("lease lost before failure was recorded")
				return
			}
			logger.Error("failed to record failed attempt", zap.Error(ferr))
			return
		}
		if terminal {
			logger.Error("delivery exhausted retries", zap.Error(err))
			metrics.RecordTerminalFailure(string(job.Channel))
		}
		return
	}

	if _, err := w.repo.UpdateNotificationStatus(ctx, job.NotificationID, db.StatusSent, nil); err != nil {
		logger.Error("failed to mark notification sent", zap.Error(err))
	}
	if err := w.queue.Complete(ctx, d); err != nil {
		logger.Warn("failed to complete job", zap.Error(err))
	}

	metrics.RecordNotificationProcessed("sent", string(job.Channel))
	if !job.EnqueuedAt.IsZero() {
		metrics.RecordDeliveryLatency(string(job.Channel), time.Since(job.EnqueuedAt))
	}
	logger.Info("notification sent")
}

// send runs one provider call under the sender timeout. A panicking sender is
// reported as a failed attempt.
func (w *Worker) send(ctx context.Context, sender Sender, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s sender: %v", job.Channel, r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SenderTimeout)
	defer cancel()
	return sender.Send(sendCtx, MessageFromJob(job))
}

func (w *Worker) markFailed(ctx context.Context, id uuid.UUID, cause error, logger *zap.Logger) {
	details := cause.Error()
	if _, err := w.repo.UpdateNotificationStatus(ctx, id, db.StatusFailed, &details); err != nil {
		logger.Error("failed to mark notification failed", zap.Error(err))
	}
}

func (w *Worker) reap(ctx context.Context, reaper queue.Reaper) {
	res, err := reaper.ReapExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to reap expired leases", zap.Error(err))
		}
		return
	}
	if res.Requeued > 0 {
		w.logger.Warn("requeued jobs with expired leases", zap.Int("count", res.Requeued))
	}
	for _, id := range res.Exhausted {
		logger := w.logger.With(zap.String("notification_id", id.String()))
		logger.Error("final attempt lease expired, marking failed")
		w.markFailed(ctx, id, queue.ErrLeaseExpired, logger)
	}
}

func (w *Worker) reportDepth(ctx context.Context, src statsSource) {
	s, err := src.Stats(ctx)
	if err != nil {
		w.logger.Debug("failed to read queue stats", zap.Error(err))
		return
	}
	metrics.SetQueueDepth("scheduled", s.Scheduled)
	metrics.SetQueueDepth("active", s.Active)
	metrics.SetQueueDepth("failed", s.Failed)
}
