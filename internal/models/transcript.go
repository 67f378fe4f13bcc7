package models

import "time"

// TranscriptRecord is one persisted meeting occurrence, unique on (MeetingID, StartTime).
type TranscriptRecord struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenantId"`
	MeetingID           string    `json:"meetingId"`
	MeetingUUID         string    `json:"meetingUuid,omitempty"`
	StartTime           time.Time `json:"startTime"`
	Topic               string    `json:"topic"`
	DurationMinutes     int       `json:"durationMinutes"`
	HostEmail           string    `json:"hostEmail,omitempty"`
	ParticipantsJSON    []byte    `json:"participantsJson"`
	RawTranscript       string    `json:"rawTranscript"`
	FormattedTranscript string    `json:"formattedTranscript"`
	Summary             string    `json:"summary"`
	ActionItemsJSON     []byte    `json:"actionItemsJson,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// ActionItem is one follow-up task extracted from a meeting.
type ActionItem struct {
	Task     string `json:"task"`
	Assignee string `json:"assignee,omitempty"`
	Due      string `json:"due,omitempty"`
}

// MinutesResult is the structured output of the minutes generator.
type MinutesResult struct {
	FormattedTranscript string       `json:"formattedTranscript"`
	Summary             string       `json:"summary"`
	KeyPoints           []string     `json:"keyPoints,omitempty"`
	ActionItems         []ActionItem `json:"actionItems,omitempty"`
	KeyDecisions        []string     `json:"keyDecisions,omitempty"`
	NextSteps           []string     `json:"nextSteps,omitempty"`
}

// Extraction methods.
const (
	MethodCaption      = "caption"
	MethodSpeechToText = "speech_to_text"
)

// ExtractionMetrics records how a transcript was produced. It is stored on the
// job result rather than on the transcript.
type ExtractionMetrics struct {
	Method         string  `json:"method"`
	QualityScore   float64 `json:"qualityScore"`
	SpeakerCount   int     `json:"speakerCount"`
	SegmentCount   int     `json:"segmentCount"`
	SpeakerChanges int     `json:"speakerChanges"`
	LabeledRatio   float64 `json:"labeledRatio"`
	AudioSeconds   float64 `json:"audioSeconds,omitempty"`
	CaptionBytes   int     `json:"captionBytes,omitempty"`
	CaptionError   string  `json:"captionError,omitempty"`
}

// AsMap flattens the metrics for the job result.
func (m ExtractionMetrics) AsMap() map[string]any {
	out := map[string]any{
		"method":         m.Method,
		"qualityScore":   m.QualityScore,
		"speakerCount":   m.SpeakerCount,
		"segmentCount":   m.SegmentCount,
		"speakerChanges": m.SpeakerChanges,
		"labeledRatio":   m.LabeledRatio,
	}
	if m.AudioSeconds > 0 {
		out["audioSeconds"] = m.AudioSeconds
	}
	if m.CaptionBytes > 0 {
		out["captionBytes"] = m.CaptionBytes
	}
	if m.CaptionError != "" {
		out["captionError"] = m.CaptionError
	}
	return out
}
