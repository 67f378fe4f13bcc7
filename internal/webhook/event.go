package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"meeting-transcript-pipeline/internal/models"
)

// Event names handled by the intake.
const (
	EventURLValidation       = "endpoint.url_validation"
	EventRecordingCompleted  = "recording.completed"
	EventTranscriptCompleted = "recording.transcript_completed"
)

// ErrIgnoredEvent marks events that are valid but produce no job.
var ErrIgnoredEvent = errors.New("webhook: event ignored")

// Event is the envelope of a provider notification.
type Event struct {
	Name    string `json:"event"`
	EventTS int64  `json:"event_ts"`
	Payload struct {
		AccountID  string          `json:"account_id"`
		PlainToken string          `json:"plainToken"`
		Object     json.RawMessage `json:"object"`
	} `json:"payload"`
}

// ParseEvent decodes a raw notification body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("webhook: decode event: %w", err)
	}
	if ev.Name == "" {
		return Event{}, errors.New("webhook: event name missing")
	}
	return ev, nil
}

// IsRecordingEvent reports whether the event should start a transcript job.
func (e Event) IsRecordingEvent() bool {
	return e.Name == EventRecordingCompleted || e.Name == EventTranscriptCompleted
}

// TranscriptJobID is the dedupe key of one notification for a meeting
// occurrence. Provider retries of the same notification map to the same job.
// The caption notification gets its own key: it usually arrives after the
// recording one has been processed and carries the caption file that run
// did not have.
func TranscriptJobID(meetingUUID, event string) string {
	if event == EventTranscriptCompleted {
		return "transcript:" + meetingUUID + ":captions"
	}
	return "transcript:" + meetingUUID
}

// TranscriptJob converts a recording event into the transcript job payload for
// tenantID.
func (e Event) TranscriptJob(tenantID string) (models.TranscriptJobPayload, error) {
	if !e.IsRecordingEvent() {
		return models.TranscriptJobPayload{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, e.Name)
	}
	if len(e.Payload.Object) == 0 {
		return models.TranscriptJobPayload{}, errors.New("webhook: recording event without object")
	}
	var meeting models.WebhookMeeting
	if err := json.Unmarshal(e.Payload.Object, &meeting); err != nil {
		return models.TranscriptJobPayload{}, fmt.Errorf("webhook: decode meeting object: %w", err)
	}
	if meeting.ID == "" || meeting.UUID == "" {
		return models.TranscriptJobPayload{}, errors.New("webhook: meeting id and uuid are required")
	}
	return models.TranscriptJobPayload{
		JobID:       TranscriptJobID(meeting.UUID, e.Name),
		MeetingData: models.MeetingData{Source: meeting},
		TenantID:    tenantID,
	}, nil
}
