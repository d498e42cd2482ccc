package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

// StaleLister finds notifications that were persisted but never delivered.
type StaleLister interface {
	ListStaleUndelivered(ctx context.Context, before time.Time, limit int) ([]*db.Notification, error)
}

type ReconcilerConfig struct {
	Interval time.Duration
	// StaleAfter is how long a PENDING or RETRIED record may sit untouched
	// before it is assumed to have lost its queue job.
	StaleAfter time.Duration
	BatchSize  int
}

// Reconciler re-enqueues notifications whose enqueue failed after the record
// was written. Records that still have a queued or running job are left alone.
type Reconciler struct {
	repo   StaleLister
	queue  queue.Queue
	config ReconcilerConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewReconciler(repo StaleLister, q queue.Queue, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{repo: repo, queue: q, config: cfg, logger: logger, now: time.Now}
}

func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("stale_after", r.config.StaleAfter),
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep re-enqueues one batch of stale notifications and returns how many
// were scheduled.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.repo.ListStaleUndelivered(ctx, r.now().Add(-r.config.StaleAfter), r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale notifications: %w", err)
	}

	requeued := 0
	for _, n := range stale {
		added, err := r.queue.EnqueueIfAbsent(ctx, queue.NewJob(n))
		if err != nil {
			r.logger.Warn("failed to re-enqueue stale notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if added {
			requeued++
			r.logger.Info("re-enqueued stale notification",
				zap.String("notification_id", n.ID.String()),
				zap.String("status", string(n.Status)),
				zap.Time("updated_at", n.UpdatedAt),
			)
		}
	}

	if requeued > 0 {
		metrics.RecordReconciled(requeued)
	}
	return requeued, nil
}
