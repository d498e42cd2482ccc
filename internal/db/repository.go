package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

const notificationColumns = `
	id, user_id, event_type, correlation_id, channel, recipient,
	status, subject, body, sent_at, failed_at, error_details,
	retries_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.EventType,
		&n.CorrelationID,
		&n.Channel,
		&n.Recipient,
		&n.Status,
		&n.Subject,
		&n.Body,
		&n.SentAt,
		&n.FailedAt,
		&n.ErrorDetails,
		&n.RetriesCount,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification. ID and Status default to a fresh UUID and PENDING.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}
	if notif.Status == "" {
		notif.Status = StatusPending
	}

	query := `
		INSERT INTO notifications (
			id, user_id, event_type, correlation_id, channel,
			recipient, status, subject, body, retries_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.EventType,
		notif.CorrelationID,
		notif.Channel,
		notif.Recipient,
		notif.Status,
		notif.Subject,
		notif.Body,
		notif.RetriesCount,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("event_type", notif.EventType),
		zap.String("channel", string(notif.Channel)),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// UpdateNotificationStatus applies a status transition under a row lock so
// concurrent callbacks for the same notification are serialized.
func (r *Repository) UpdateNotificationStatus(
	ctx context.Context,
	id uuid.UUID,
	status Status,
	errorDetails *string,
) (*Notification, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1 FOR UPDATE`
	notif, err := scanNotification(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock notification: %w", err)
	}

	from := notif.Status
	if err := ApplyStatus(notif, status, errorDetails, r.now()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE notifications
		SET status = $1, sent_at = $2, failed_at = $3, error_details = $4,
			retries_count = $5, updated_at = $6
		WHERE id = $7
	`, notif.Status, notif.SentAt, notif.FailedAt, notif.ErrorDetails, notif.RetriesCount, notif.UpdatedAt, id)
	if err != nil {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("update notification status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}

	r.logger.Debug("notification status updated",
		zap.String("notification_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.Int("retries_count", notif.RetriesCount),
	)

	return notif, nil
}

// buildListQuery renders the filtered listing query, newest first.
func buildListQuery(f NotificationFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.StartDate != nil {
		add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <= $%d", *f.EndDate)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := max(f.Offset, 0)

	var b strings.Builder
	b.WriteString(`SELECT ` + notificationColumns + ` FROM notifications`)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return b.String(), args
}

// ListNotifications returns notifications matching the filter, newest first.
func (r *Repository) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error) {
	query, args := buildListQuery(filter)
	return r.queryNotifications(ctx, query, args...)
}

// ListStaleUndelivered returns PENDING or RETRIED notifications not touched since before.
func (r *Repository) ListStaleUndelivered(ctx context.Context, before time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status IN ('PENDING', 'RETRIED') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`
	return r.queryNotifications(ctx, query, before, limit)
}

// ListInbox returns the most recent delivered in-app notifications for a user.
func (r *Repository) ListInbox(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND channel = 'in_app' AND status IN ('SENT', 'DELIVERED')
		ORDER BY created_at DESC
		LIMIT $2`
	return r.queryNotifications(ctx, query, userID, limit)
}

func (r *Repository) queryNotifications(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*Notification, 0)
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}
