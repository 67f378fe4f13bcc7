package models

// TranscriptJobPayload is enqueued on the transcript-processing topic.
type TranscriptJobPayload struct {
	JobID       string      `json:"jobId"`
	MeetingData MeetingData `json:"meetingData"`
	TenantID    string      `json:"tenantId" validate:"required"`
}

// DistributionJobPayload is enqueued on the distribution-processing topic once a
// transcript has been stored.
type DistributionJobPayload struct {
	TranscriptID string        `json:"transcriptId" validate:"required"`
	TenantID     string        `json:"tenantId" validate:"required"`
	MeetingInfo  MeetingInfo   `json:"meetingInfo"`
	Transcript   MinutesResult `json:"transcript"`
}

// EmailJobPayload is enqueued on the email-sending topic.
type EmailJobPayload struct {
	TranscriptID  string        `json:"transcriptId" validate:"required"`
	Recipients    []string      `json:"recipients" validate:"required,min=1,dive,email"`
	BccRecipients []string      `json:"bccRecipients" validate:"dive,email"`
	Transcript    MinutesResult `json:"transcript"`
	MeetingInfo   MeetingInfo   `json:"meetingInfo"`
	TenantID      string        `json:"tenantId" validate:"required"`
}
