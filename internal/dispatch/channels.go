package dispatch

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lalithlochan/courier/internal/db"
)

// recipientFunc extracts the delivery address for one channel.
type recipientFunc func(userID string, payload map[string]any) string

// channelTable is the fixed channel to recipient mapping. Templates come
// from the event mapping; recipients always come from here.
var channelTable = map[db.Channel]recipientFunc{
	db.ChannelEmail: fieldRecipient("email"),
	db.ChannelSMS:   fieldRecipient("phoneNumber"),
	db.ChannelInApp: func(userID string, _ map[string]any) string { return userID },
}

func fieldRecipient(key string) recipientFunc {
	return func(_ string, payload map[string]any) string {
		s, _ := scalarString(payload[key])
		return s
	}
}

// correlationKeys are tried in order; the first non-empty value wins.
var correlationKeys = []string{"correlationId", "orderId", "invoiceId"}

// EffectiveChannels returns the mapping's default channels that the user has
// not switched off, in mapping order. A nil prefs enables everything.
func EffectiveChannels(mapping *db.EventMapping, prefs *db.UserPreferences, eventType string) []db.Channel {
	if mapping == nil {
		return nil
	}
	out := make([]db.Channel, 0, len(mapping.DefaultChannels))
	for _, ch := range mapping.DefaultChannels {
		if prefs.Allows(eventType, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// UserID reads payload.userId. Strings are used as-is and integral numbers
// are formatted without a fraction; anything else counts as missing.
func UserID(payload map[string]any) (string, bool) {
	s, ok := scalarString(payload["userId"])
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// CorrelationID returns the first non-empty correlation key in payload.
func CorrelationID(payload map[string]any) *string {
	for _, key := range correlationKeys {
		if s, ok := scalarString(payload[key]); ok && s != "" {
			return &s
		}
	}
	return nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
