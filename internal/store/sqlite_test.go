package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-transcript-pipeline/internal/models"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func sampleTranscript(start time.Time) models.TranscriptRecord {
	return models.TranscriptRecord{
		TenantID:            "tenant-a",
		MeetingID:           "81234567890",
		MeetingUUID:         "abc==",
		StartTime:           start,
		Topic:               "週次定例",
		DurationMinutes:     45,
		HostEmail:           "host@example.com",
		ParticipantsJSON:    []byte(`[{"name":"田中太郎"}]`),
		RawTranscript:       "raw",
		FormattedTranscript: "formatted",
		Summary:             "summary",
	}
}

func TestSQLiteUpsertIsIdempotentPerOccurrence(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	start := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)

	first, inserted, err := s.UpsertTranscript(ctx, sampleTranscript(start), nil)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NotEmpty(t, first.ID)

	again := sampleTranscript(start.In(time.FixedZone("JST", 9*3600)))
	again.Summary = "rewritten"
	second, inserted, err := s.UpsertTranscript(ctx, again, nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	stored, err := s.GetTranscript(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", stored.Summary)
	assert.True(t, stored.StartTime.Equal(start))
	assert.JSONEq(t, `[{"name":"田中太郎"}]`, string(stored.ParticipantsJSON))

	all, err := s.ListOccurrences(ctx, "tenant-a", "81234567890")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteRecurringOccurrencesAreDistinct(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	start := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)

	a, _, err := s.UpsertTranscript(ctx, sampleTranscript(start), nil)
	require.NoError(t, err)
	b, _, err := s.UpsertTranscript(ctx, sampleTranscript(start.Add(7*24*time.Hour)), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	all, err := s.ListOccurrences(ctx, "tenant-a", "81234567890")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)

	found, err := s.FindTranscript(ctx, "81234567890", start)
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)
}

func TestSQLiteHookErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	start := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)

	var seen string
	_, _, err := s.UpsertTranscript(ctx, sampleTranscript(start), func(_ context.Context, saved models.TranscriptRecord) error {
		seen = saved.ID
		return errors.New("queue down")
	})
	require.Error(t, err)
	assert.NotEmpty(t, seen)

	_, err = s.FindTranscript(ctx, "81234567890", start)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteDeliveryLogLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	rec, _, err := s.UpsertTranscript(ctx, sampleTranscript(time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)), nil)
	require.NoError(t, err)

	recipients := []models.Recipient{
		{Email: "host@example.com", Role: models.RoleTo},
		{Email: "tanaka@example.com", Role: models.RoleBcc},
	}
	logs, err := s.PrepareDeliveryLogs(ctx, "tenant-a", rec.ID, recipients)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.RoleTo, logs[0].RecipientRole)
	for _, l := range logs {
		assert.Equal(t, models.DeliveryPending, l.Status)
	}

	sent, err := s.HasSentDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, sent)

	n, err := s.MarkDeliveriesFailed(ctx, rec.ID, "ses throttled")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	logs, err = s.PrepareDeliveryLogs(ctx, "tenant-a", rec.ID, recipients)
	require.NoError(t, err)
	for _, l := range logs {
		assert.Equal(t, models.DeliveryPending, l.Status)
		assert.Empty(t, l.ErrorMessage)
	}

	n, err = s.MarkDeliveriesSent(ctx, rec.ID, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	sent, err = s.HasSentDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, sent)

	// sent rows are never reopened
	logs, err = s.PrepareDeliveryLogs(ctx, "tenant-a", rec.ID, recipients)
	require.NoError(t, err)
	for _, l := range logs {
		assert.Equal(t, models.DeliverySent, l.Status)
		assert.NotNil(t, l.SentAt)
	}
	n, err = s.MarkDeliveriesFailed(ctx, rec.ID, "late failure")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteDeliveryPreference(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.GetDeliveryPreference(ctx, "tenant-a", "host@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetDeliveryPreference(ctx, models.DeliveryPreference{TenantID: "tenant-a", HostEmail: "Host@Example.com", Mode: models.ModeHostOnly}))
	pref, err := s.GetDeliveryPreference(ctx, "tenant-a", "host@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ModeHostOnly, pref.Mode)

	require.NoError(t, s.SetDeliveryPreference(ctx, models.DeliveryPreference{TenantID: "tenant-a", HostEmail: "host@example.com", Mode: models.ModeAllParticipants}))
	pref, err = s.GetDeliveryPreference(ctx, "tenant-a", "host@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ModeAllParticipants, pref.Mode)
}

func TestSQLiteTenantCredentialSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	cred := models.TenantCredential{
		TenantID:                      "tenant-a",
		ProviderClientID:              "client-1",
		ProviderClientSecretEncrypted: []byte{1, 2, 3},
		ProviderAccountID:             "acct-1",
	}
	require.NoError(t, s.UpsertTenantCredential(ctx, cred))
	cred.ProviderClientID = "client-2"
	require.NoError(t, s.UpsertTenantCredential(ctx, cred))

	got, err := s.GetActiveTenantCredential(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "client-2", got.ProviderClientID)
	assert.Equal(t, []byte{1, 2, 3}, got.ProviderClientSecretEncrypted)
	assert.True(t, got.IsActive)

	require.NoError(t, s.DeactivateTenantCredential(ctx, "tenant-a"))
	_, err = s.GetActiveTenantCredential(ctx, "tenant-a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeactivateTenantCredential(ctx, "tenant-a"), ErrNotFound)
}
