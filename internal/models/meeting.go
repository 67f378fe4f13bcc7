package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Participant sources.
const (
	SourceWebhook  = "webhook"
	SourceProvider = "provider"
	SourceHost     = "host"
)

// Participant is one attendee known for a meeting occurrence. Participants are
// shown in the minutes only; recipients come from the provider's verified list,
// so Email is kept as reported.
type Participant struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Source string `json:"source,omitempty"`
}

// MeetingInfo is the canonical description of one meeting occurrence.
type MeetingInfo struct {
	MeetingID       string        `json:"meetingId" validate:"required"`
	UUID            string        `json:"uuid,omitempty"`
	Topic           string        `json:"topic"`
	StartTime       time.Time     `json:"startTime"`
	DurationMinutes int           `json:"durationMinutes" validate:"gte=0"`
	Participants    []Participant `json:"participants"`
	HostEmail       string        `json:"hostEmail,omitempty" validate:"omitempty,email"`
	HostID          string        `json:"hostId,omitempty"`
}

// MergeMeetingInfo fills the gaps of explicit with values from derived. Values set
// in explicit are never overwritten. Derived participants are appended when no
// explicit participant has the same email or name.
func MergeMeetingInfo(explicit, derived MeetingInfo) MeetingInfo {
	out := explicit
	if out.MeetingID == "" {
		out.MeetingID = derived.MeetingID
	}
	if out.UUID == "" {
		out.UUID = derived.UUID
	}
	if out.Topic == "" {
		out.Topic = derived.Topic
	}
	if out.StartTime.IsZero() {
		out.StartTime = derived.StartTime
	}
	if out.DurationMinutes == 0 {
		out.DurationMinutes = derived.DurationMinutes
	}
	if out.HostEmail == "" {
		out.HostEmail = derived.HostEmail
	}
	if out.HostID == "" {
		out.HostID = derived.HostID
	}

	seen := make(map[string]struct{}, len(out.Participants))
	out.Participants = append([]Participant(nil), explicit.Participants...)
	for _, p := range out.Participants {
		seen[participantKey(p)] = struct{}{}
	}
	for _, p := range derived.Participants {
		k := participantKey(p)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.Participants = append(out.Participants, p)
	}
	return out
}

func participantKey(p Participant) string {
	if p.Email != "" {
		return "e:" + strings.ToLower(p.Email)
	}
	return "n:" + p.Name
}

// MeetingDataSource is the meeting description carried in a transcript job. It is
// either a WebhookMeeting or a ProviderMeeting.
type MeetingDataSource interface {
	meetingSource() string
}

// WebhookMeeting is the snake_case object delivered by the provider's
// recording.completed webhook.
type WebhookMeeting struct {
	ID           FlexibleID       `json:"id"`
	UUID         string           `json:"uuid"`
	Topic        string           `json:"topic"`
	StartTime    string           `json:"start_time"`
	Duration     int              `json:"duration"`
	HostEmail    string           `json:"host_email"`
	HostID       string           `json:"host_id"`
	Participants []ParticipantRef `json:"participants"`
}

// ProviderMeeting is the camelCase shape produced from provider API lookups and
// by operator tooling.
type ProviderMeeting struct {
	MeetingID    string           `json:"meetingId"`
	UUID         string           `json:"uuid"`
	Topic        string           `json:"topic"`
	StartTime    string           `json:"startTime"`
	Duration     int              `json:"duration"`
	HostEmail    string           `json:"hostEmail"`
	HostID       string           `json:"hostId"`
	Participants []ParticipantRef `json:"participants"`
}

func (WebhookMeeting) meetingSource() string  { return "webhook" }
func (ProviderMeeting) meetingSource() string { return "provider_api" }

// MeetingData wraps a MeetingDataSource so it can travel inside a JSON payload.
// Encoding writes a "source" discriminator next to the variant fields.
type MeetingData struct {
	Source MeetingDataSource
}

// ErrUnknownMeetingShape is returned when meetingData matches no known variant.
var ErrUnknownMeetingShape = errors.New("meeting data: unknown shape")

// MarshalJSON writes the variant with its discriminator.
func (m MeetingData) MarshalJSON() ([]byte, error) {
	if m.Source == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(m.Source)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["source"], _ = json.Marshal(m.Source.meetingSource())
	return json.Marshal(fields)
}

// UnmarshalJSON picks the variant from the "source" discriminator, or from the
// identifying key when the producer did not set one.
func (m *MeetingData) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		m.Source = nil
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("meeting data: %w", err)
	}
	kind := ""
	if raw, ok := fields["source"]; ok {
		_ = json.Unmarshal(raw, &kind)
	}
	if kind == "" {
		switch {
		case fields["meetingId"] != nil:
			kind = "provider_api"
		case fields["id"] != nil:
			kind = "webhook"
		}
	}
	switch kind {
	case "webhook":
		var w WebhookMeeting
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("meeting data (webhook): %w", err)
		}
		m.Source = w
	case "provider_api":
		var p ProviderMeeting
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("meeting data (provider): %w", err)
		}
		m.Source = p
	default:
		return ErrUnknownMeetingShape
	}
	return nil
}

// NormalizeMeeting converts any MeetingDataSource into MeetingInfo.
func NormalizeMeeting(src MeetingDataSource) (MeetingInfo, error) {
	switch s := src.(type) {
	case WebhookMeeting:
		start, err := parseStart(s.StartTime)
		if err != nil {
			return MeetingInfo{}, err
		}
		return MeetingInfo{
			MeetingID:       string(s.ID),
			UUID:            s.UUID,
			Topic:           s.Topic,
			StartTime:       start,
			DurationMinutes: s.Duration,
			Participants:    refsToParticipants(s.Participants, SourceWebhook),
			HostEmail:       s.HostEmail,
			HostID:          s.HostID,
		}, nil
	case ProviderMeeting:
		start, err := parseStart(s.StartTime)
		if err != nil {
			return MeetingInfo{}, err
		}
		return MeetingInfo{
			MeetingID:       s.MeetingID,
			UUID:            s.UUID,
			Topic:           s.Topic,
			StartTime:       start,
			DurationMinutes: s.Duration,
			Participants:    refsToParticipants(s.Participants, SourceProvider),
			HostEmail:       s.HostEmail,
			HostID:          s.HostID,
		}, nil
	case nil:
		return MeetingInfo{}, ErrUnknownMeetingShape
	default:
		return MeetingInfo{}, fmt.Errorf("meeting data: unsupported variant %T", src)
	}
}

func parseStart(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("meeting data: start time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func refsToParticipants(refs []ParticipantRef, source string) []Participant {
	out := make([]Participant, 0, len(refs))
	for _, r := range refs {
		if r.Name == "" && r.Email == "" {
			continue
		}
		out = append(out, Participant{Name: r.Name, Email: r.Email, Source: source})
	}
	return out
}

// ParticipantRef accepts either a bare display name or an object with
// name/user_name and email/user_email keys.
type ParticipantRef struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func (p *ParticipantRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		p.Name = strings.TrimSpace(name)
		return nil
	}
	var obj struct {
		Name      string `json:"name"`
		UserName  string `json:"user_name"`
		Email     string `json:"email"`
		UserEmail string `json:"user_email"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	p.Name = firstNonEmpty(obj.Name, obj.UserName)
	p.Email = firstNonEmpty(obj.Email, obj.UserEmail)
	return nil
}

// FlexibleID decodes identifiers sent either as JSON numbers or strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
