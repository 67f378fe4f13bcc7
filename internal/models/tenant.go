package models

import "time"

// TenantCredential is the stored, encrypted provider configuration of a tenant.
// Only one active row exists per tenant; deletes flip IsActive.
type TenantCredential struct {
	TenantID                      string    `json:"tenantId"`
	ProviderClientID              string    `json:"providerClientId"`
	ProviderClientSecretEncrypted []byte    `json:"-"`
	WebhookSecretEncrypted        []byte    `json:"-"`
	ProviderAccountID             string    `json:"providerAccountId"`
	IsActive                      bool      `json:"isActive"`
	CreatedAt                     time.Time `json:"createdAt"`
	UpdatedAt                     time.Time `json:"updatedAt"`
}
