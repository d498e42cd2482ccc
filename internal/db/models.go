package db

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelInApp}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// Status is the delivery lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusDelivered Status = "DELIVERED"
	StatusRetried   Status = "RETRIED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusDelivered, StatusRetried:
		return true
	}
	return false
}

// Notification is one attempt-tracked message to one user on one channel.
type Notification struct {
	ID            uuid.UUID  `json:"id"`
	UserID        string     `json:"user_id"`
	EventType     string     `json:"event_type"`
	CorrelationID *string    `json:"correlation_id,omitempty"`
	Channel       Channel    `json:"channel"`
	Recipient     string     `json:"recipient"`
	Status        Status     `json:"status"`
	Subject       *string    `json:"subject,omitempty"`
	Body          string     `json:"body"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	ErrorDetails  *string    `json:"error_details,omitempty"`
	RetriesCount  int        `json:"retries_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Template holds the subject and body patterns for an (event type, channel) pair.
type Template struct {
	ID              uuid.UUID `json:"id"`
	EventType       string    `json:"event_type"`
	Channel         Channel   `json:"channel"`
	SubjectTemplate *string   `json:"subject_template,omitempty"`
	BodyTemplate    string    `json:"body_template"`
}

// EventMapping routes an event type to its default channels and their templates.
// Rules is stored for operators but not interpreted.
type EventMapping struct {
	EventType       string                `json:"event_type"`
	DefaultChannels []Channel             `json:"default_channels"`
	Templates       map[Channel]*Template `json:"templates"`
	Rules           map[string]any        `json:"rules"`
}

// UserPreferences holds per-user opt-outs. A missing entry means enabled.
type UserPreferences struct {
	UserID            string                      `json:"user_id"`
	Global            map[Channel]bool            `json:"global"`
	NotificationTypes map[string]map[Channel]bool `json:"notification_types"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// Allows reports whether the user accepts eventType on channel.
// Only an explicit false disables a channel.
func (p *UserPreferences) Allows(eventType string, channel Channel) bool {
	if p == nil {
		return true
	}
	if enabled, ok := p.Global[channel]; ok && !enabled {
		return false
	}
	if types, ok := p.NotificationTypes[eventType]; ok {
		if enabled, ok := types[channel]; ok && !enabled {
			return false
		}
	}
	return true
}

// Merge overlays patch onto p. Keys absent from patch keep their current value.
func (p *UserPreferences) Merge(patch UserPreferences) {
	if p.Global == nil {
		p.Global = make(map[Channel]bool)
	}
	if p.NotificationTypes == nil {
		p.NotificationTypes = make(map[string]map[Channel]bool)
	}
	for ch, enabled := range patch.Global {
		p.Global[ch] = enabled
	}
	for eventType, channels := range patch.NotificationTypes {
		current, ok := p.NotificationTypes[eventType]
		if !ok {
			current = make(map[Channel]bool, len(channels))
			p.NotificationTypes[eventType] = current
		}
		for ch, enabled := range channels {
			current[ch] = enabled
		}
	}
}

// NotificationFilter narrows a notification listing. Zero values are ignored.
type NotificationFilter struct {
	Status        Status
	EventType     string
	Channel       Channel
	UserID        string
	CorrelationID string
	StartDate     *time.Time
	EndDate       *time.Time
	Limit         int
	Offset        int
}
