package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// TxHook runs inside the transcript upsert transaction after the row is written.
// Returning an error rolls the upsert back.
type TxHook func(ctx context.Context, saved models.TranscriptRecord) error

// TranscriptStore persists meeting transcripts keyed by (meetingId, startTime).
type TranscriptStore interface {
	// UpsertTranscript inserts or updates the occurrence and reports whether a new
	// row was created. The record id is stable across updates.
	UpsertTranscript(ctx context.Context, rec models.TranscriptRecord, hook TxHook) (models.TranscriptRecord, bool, error)
	GetTranscript(ctx context.Context, id string) (models.TranscriptRecord, error)
	FindTranscript(ctx context.Context, meetingID string, start time.Time) (models.TranscriptRecord, error)
	ListOccurrences(ctx context.Context, tenantID, meetingID string) ([]models.TranscriptRecord, error)
}

// DeliveryStore tracks per-recipient distribution state and host preferences.
type DeliveryStore interface {
	HasSentDelivery(ctx context.Context, transcriptID string) (bool, error)
	// PrepareDeliveryLogs creates pending rows for recipients. Existing failed rows
	// return to pending; pending and sent rows are left alone.
	PrepareDeliveryLogs(ctx context.Context, tenantID, transcriptID string, recipients []models.Recipient) ([]models.DistributionLogEntry, error)
	MarkDeliveriesSent(ctx context.Context, transcriptID string, sentAt time.Time) (int64, error)
	MarkDeliveriesFailed(ctx context.Context, transcriptID, reason string) (int64, error)
	ListDeliveryLogs(ctx context.Context, transcriptID string) ([]models.DistributionLogEntry, error)
	GetDeliveryPreference(ctx context.Context, tenantID, hostEmail string) (models.DeliveryPreference, error)
	SetDeliveryPreference(ctx context.Context, pref models.DeliveryPreference) error
}

// CredentialStore holds the encrypted tenant credential rows.
type CredentialStore interface {
	GetActiveTenantCredential(ctx context.Context, tenantID string) (models.TenantCredential, error)
	// UpsertTenantCredential deactivates the current row of the tenant and inserts cred as the active one.
	UpsertTenantCredential(ctx context.Context, cred models.TenantCredential) error
	DeactivateTenantCredential(ctx context.Context, tenantID string) error
}

// Store is the full relational store used by the pipeline.
type Store interface {
	TranscriptStore
	DeliveryStore
	CredentialStore
	RunMigrations(ctx context.Context) error
	Close()
}

// Open connects the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "postgres", "postgresql":
		return New(ctx, cfg.PostgresDSN)
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// occurrenceStart is the canonical form of a start time inside the unique key.
func occurrenceStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func participantsOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("[]")
	}
	return b
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
