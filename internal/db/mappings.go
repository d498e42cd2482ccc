package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MappingRepository resolves event types to channels and templates.
type MappingRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewMappingRepository(db *DB, logger *zap.Logger) *MappingRepository {
	return &MappingRepository{db: db, logger: logger}
}

// GetMapping returns the mapping for eventType with its templates attached,
// or (nil, nil) when no mapping exists.
func (r *MappingRepository) GetMapping(ctx context.Context, eventType string) (*EventMapping, error) {
	query := `
		SELECT m.event_type, m.default_channels, m.rules,
			te.id, te.subject_template, te.body_template,
			ts.id, ts.subject_template, ts.body_template,
			ti.id, ti.subject_template, ti.body_template
		FROM event_mappings m
		LEFT JOIN notification_templates te ON te.id = m.template_id_email
		LEFT JOIN notification_templates ts ON ts.id = m.template_id_sms
		LEFT JOIN notification_templates ti ON ti.id = m.template_id_in_app
		WHERE m.event_type = $1
	`

	var (
		mapping  EventMapping
		channels []string
		rules    []byte
		refs     [3]templateRef
	)
	err := r.db.Pool().QueryRow(ctx, query, eventType).Scan(
		&mapping.EventType, &channels, &rules,
		&refs[0].id, &refs[0].subject, &refs[0].body,
		&refs[1].id, &refs[1].subject, &refs[1].body,
		&refs[2].id, &refs[2].subject, &refs[2].body,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to load event mapping",
			zap.Error(err),
			zap.String("event_type", eventType),
		)
		return nil, fmt.Errorf("query event mapping: %w", err)
	}

	for _, ch := range channels {
		mapping.DefaultChannels = append(mapping.DefaultChannels, Channel(ch))
	}

	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &mapping.Rules); err != nil {
			return nil, fmt.Errorf("decode mapping rules: %w", err)
		}
	}

	mapping.Templates = make(map[Channel]*Template, len(refs))
	for i, ch := range []Channel{ChannelEmail, ChannelSMS, ChannelInApp} {
		if tmpl := refs[i].template(eventType, ch); tmpl != nil {
			mapping.Templates[ch] = tmpl
		}
	}

	return &mapping, nil
}

// templateRef is the nullable side of a LEFT JOIN onto notification_templates.
type templateRef struct {
	id      *uuid.UUID
	subject *string
	body    *string
}

func (t templateRef) template(eventType string, ch Channel) *Template {
	if t.id == nil || t.body == nil {
		return nil
	}
	return &Template{
		ID:              *t.id,
		EventType:       eventType,
		Channel:         ch,
		SubjectTemplate: t.subject,
		BodyTemplate:    *t.body,
	}
}
