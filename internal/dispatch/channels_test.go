package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lalithlochan/courier/internal/db"
)

func TestEffectiveChannels(t *testing.T) {
	mapping := &db.EventMapping{DefaultChannels: []db.Channel{db.ChannelEmail, db.ChannelSMS, db.ChannelInApp}}

	tests := []struct {
		name  string
		prefs *db.UserPreferences
		want  []db.Channel
	}{
		{"no preferences", nil, []db.Channel{db.ChannelEmail, db.ChannelSMS, db.ChannelInApp}},
		{"empty preferences", &db.UserPreferences{}, []db.Channel{db.ChannelEmail, db.ChannelSMS, db.ChannelInApp}},
		{
			"global opt-out",
			&db.UserPreferences{Global: map[db.Channel]bool{db.ChannelSMS: false}},
			[]db.Channel{db.ChannelEmail, db.ChannelInApp},
		},
		{
			"explicit true is a no-op",
			&db.UserPreferences{Global: map[db.Channel]bool{db.ChannelSMS: true}},
			[]db.Channel{db.ChannelEmail, db.ChannelSMS, db.ChannelInApp},
		},
		{
			"per-type opt-out",
			&db.UserPreferences{NotificationTypes: map[string]map[db.Channel]bool{"order.created": {db.ChannelEmail: false}}},
			[]db.Channel{db.ChannelSMS, db.ChannelInApp},
		},
		{
			"other type opt-out ignored",
			&db.UserPreferences{NotificationTypes: map[string]map[db.Channel]bool{"invoice.paid": {db.ChannelEmail: false}}},
			[]db.Channel{db.ChannelEmail, db.ChannelSMS, db.ChannelInApp},
		},
		{
			"per-type true cannot override global false",
			&db.UserPreferences{
				Global:            map[db.Channel]bool{db.ChannelEmail: false},
				NotificationTypes: map[string]map[db.Channel]bool{"order.created": {db.ChannelEmail: true}},
			},
			[]db.Channel{db.ChannelSMS, db.ChannelInApp},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveChannels(mapping, tt.prefs, "order.created"))
		})
	}
}

func TestEffectiveChannels_NilMapping(t *testing.T) {
	assert.Nil(t, EffectiveChannels(nil, nil, "order.created"))
}

func TestUserID(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   string
		wantOK bool
	}{
		{"string", "u-1", "u-1", true},
		{"integral float", float64(1001), "1001", true},
		{"json number", json.Number("77"), "77", true},
		{"int", 5, "5", true},
		{"empty string", "", "", false},
		{"blank string", "   ", "", false},
		{"bool", true, "", false},
		{"nil", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := UserID(map[string]any{"userId": tt.value})
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    *string
	}{
		{"correlationId wins", map[string]any{"correlationId": "c", "orderId": "o", "invoiceId": "i"}, strPtr("c")},
		{"falls back to orderId", map[string]any{"orderId": "o", "invoiceId": "i"}, strPtr("o")},
		{"falls back to invoiceId", map[string]any{"invoiceId": "i"}, strPtr("i")},
		{"empty values skipped", map[string]any{"correlationId": "", "invoiceId": "i"}, strPtr("i")},
		{"numeric order id", map[string]any{"orderId": float64(12)}, strPtr("12")},
		{"none", map[string]any{"userId": "u"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CorrelationID(tt.payload))
		})
	}
}

func TestChannelTableRecipients(t *testing.T) {
	payload := map[string]any{"email": "a@x.io", "phoneNumber": "+15550100"}

	assert.Equal(t, "a@x.io", channelTable[db.ChannelEmail]("u", payload))
	assert.Equal(t, "+15550100", channelTable[db.ChannelSMS]("u", payload))
	assert.Equal(t, "u", channelTable[db.ChannelInApp]("u", payload))
	assert.Empty(t, channelTable[db.ChannelEmail]("u", map[string]any{}))

	for _, ch := range db.Channels {
		_, ok := channelTable[ch]
		assert.True(t, ok, "channel %s has no recipient rule", ch)
	}
}
