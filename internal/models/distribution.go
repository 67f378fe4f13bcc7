package models

import "time"

// Recipient roles.
const (
	RoleTo  = "to"
	RoleBcc = "bcc"
)

// Delivery states.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Delivery modes a host can choose.
const (
	ModeHostOnly        = "host_only"
	ModeAllParticipants = "all_participants"
)

// Recipient is an address with its role on the outgoing email.
type Recipient struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// DistributionLogEntry is the per-recipient audit row of one distribution.
type DistributionLogEntry struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	TranscriptID   string     `json:"transcriptId"`
	RecipientEmail string     `json:"recipientEmail"`
	RecipientRole  string     `json:"recipientRole"`
	Status         string     `json:"status"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// DeliveryPreference is a host's choice of who receives the minutes.
type DeliveryPreference struct {
	TenantID  string    `json:"tenantId"`
	HostEmail string    `json:"hostEmail"`
	Mode      string    `json:"mode"`
	UpdatedAt time.Time `json:"updatedAt"`
}
