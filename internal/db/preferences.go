package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PreferenceRepository stores per-user channel opt-outs.
type PreferenceRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewPreferenceRepository(db *DB, logger *zap.Logger) *PreferenceRepository {
	return &PreferenceRepository{db: db, logger: logger}
}

// GetPreferences returns the stored preferences for userID, or (nil, nil) if none exist.
func (r *PreferenceRepository) GetPreferences(ctx context.Context, userID string) (*UserPreferences, error) {
	prefs, err := scanPreferences(r.db.Pool().QueryRow(ctx, `
		SELECT user_id, global, notification_types, updated_at
		FROM user_preferences
		WHERE user_id = $1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return prefs, nil
}

// UpdatePreferences merges patch into the stored document, creating it if absent.
func (r *PreferenceRepository) UpdatePreferences(ctx context.Context, userID string, patch UserPreferences) (*UserPreferences, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_preferences (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("ensure preferences row: %w", err)
	}

	prefs, err := scanPreferences(tx.QueryRow(ctx, `
		SELECT user_id, global, notification_types, updated_at
		FROM user_preferences
		WHERE user_id = $1
		FOR UPDATE
	`, userID))
	if err != nil {
		return nil, fmt.Errorf("lock preferences: %w", err)
	}

	prefs.Merge(patch)

	global, err := json.Marshal(prefs.Global)
	if err != nil {
		return nil, fmt.Errorf("encode global preferences: %w", err)
	}
	types, err := json.Marshal(prefs.NotificationTypes)
	if err != nil {
		return nil, fmt.Errorf("encode type preferences: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		UPDATE user_preferences
		SET global = $2, notification_types = $3, updated_at = now()
		WHERE user_id = $1
		RETURNING updated_at
	`, userID, global, types).Scan(&prefs.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit preferences: %w", err)
	}

	r.logger.Info("user preferences updated", zap.String("user_id", userID))
	return prefs, nil
}

func scanPreferences(row rowScanner) (*UserPreferences, error) {
	var (
		prefs         UserPreferences
		global, types []byte
	)
	if err := row.Scan(&prefs.UserID, &global, &types, &prefs.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(global, &prefs.Global); err != nil {
		return nil, fmt.Errorf("decode global preferences: %w", err)
	}
	if err := json.Unmarshal(types, &prefs.NotificationTypes); err != nil {
		return nil, fmt.Errorf("decode type preferences: %w", err)
	}
	return &prefs, nil
}
