package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeetingDataDecodesWebhookShape(t *testing.T) {
	raw := `{
		"id": 85746352413,
		"uuid": "abc==",
		"topic": "週次定例",
		"start_time": "2024-05-01T01:00:00Z",
		"duration": 45,
		"host_email": "host@example.com",
		"participants": ["上辻としゆき", "田中太郎"]
	}`
	var md MeetingData
	require.NoError(t, json.Unmarshal([]byte(raw), &md))
	require.IsType(t, WebhookMeeting{}, md.Source)

	info, err := NormalizeMeeting(md.Source)
	require.NoError(t, err)
	assert.Equal(t, "85746352413", info.MeetingID)
	assert.Equal(t, 45, info.DurationMinutes)
	assert.Equal(t, time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC), info.StartTime)
	require.Len(t, info.Participants, 2)
	assert.Equal(t, "上辻としゆき", info.Participants[0].Name)
	assert.Equal(t, SourceWebhook, info.Participants[1].Source)
}

func TestMeetingDataDecodesProviderShape(t *testing.T) {
	raw := `{
		"meetingId": "85746352413",
		"startTime": "2024-05-01T10:00:00+09:00",
		"duration": 30,
		"hostEmail": "host@example.com",
		"participants": [{"user_name": "Tanaka", "user_email": "tanaka@example.com"}]
	}`
	var md MeetingData
	require.NoError(t, json.Unmarshal([]byte(raw), &md))
	require.IsType(t, ProviderMeeting{}, md.Source)

	info, err := NormalizeMeeting(md.Source)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC), info.StartTime)
	require.Len(t, info.Participants, 1)
	assert.Equal(t, "tanaka@example.com", info.Participants[0].Email)
}

func TestMeetingDataRoundTripKeepsVariant(t *testing.T) {
	in := MeetingData{Source: ProviderMeeting{MeetingID: "123", Topic: "x"}}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"source":"provider_api"`)

	var out MeetingData
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.Source, out.Source)
}

func TestMeetingDataRejectsUnknownShape(t *testing.T) {
	var md MeetingData
	err := json.Unmarshal([]byte(`{"topic":"no id"}`), &md)
	assert.ErrorIs(t, err, ErrUnknownMeetingShape)
}

func TestMergeMeetingInfoFillsGapsOnly(t *testing.T) {
	explicit := MeetingInfo{
		MeetingID:       "1",
		Topic:           "from webhook",
		DurationMinutes: 45,
		Participants:    []Participant{{Name: "田中太郎", Source: SourceWebhook}},
	}
	derived := MeetingInfo{
		MeetingID:       "1",
		Topic:           "from provider",
		StartTime:       time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC),
		DurationMinutes: 47,
		HostEmail:       "host@example.com",
		Participants: []Participant{
			{Name: "田中太郎", Source: SourceProvider},
			{Name: "host@example.com", Email: "host@example.com", Source: SourceHost},
		},
	}

	got := MergeMeetingInfo(explicit, derived)
	assert.Equal(t, "from webhook", got.Topic)
	assert.Equal(t, 45, got.DurationMinutes)
	assert.Equal(t, derived.StartTime, got.StartTime)
	assert.Equal(t, "host@example.com", got.HostEmail)
	require.Len(t, got.Participants, 2)
	assert.Equal(t, SourceWebhook, got.Participants[0].Source)
	assert.Equal(t, SourceHost, got.Participants[1].Source)
}
