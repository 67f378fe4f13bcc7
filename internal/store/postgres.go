package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"meeting-transcript-pipeline/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const transcriptColumns = `id, tenant_id, zoom_meeting_id, zoom_meeting_uuid, start_time, meeting_topic, duration,
	host_email, participants, content, formatted_transcript, summary, action_items, created_at, updated_at`

// UpsertTranscript writes the occurrence and runs hook in the same transaction.
func (s *Postgres) UpsertTranscript(ctx context.Context, rec models.TranscriptRecord, hook TxHook) (models.TranscriptRecord, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.TranscriptRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	rec.StartTime = occurrenceStart(rec.StartTime)
	rec.ParticipantsJSON = participantsOrEmpty(rec.ParticipantsJSON)

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO meeting_transcripts (id, tenant_id, zoom_meeting_id, zoom_meeting_uuid, start_time, meeting_topic, duration,
			host_email, participants, content, formatted_transcript, summary, action_items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (zoom_meeting_id, start_time) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			zoom_meeting_uuid = EXCLUDED.zoom_meeting_uuid,
			meeting_topic = EXCLUDED.meeting_topic,
			duration = EXCLUDED.duration,
			host_email = EXCLUDED.host_email,
			participants = EXCLUDED.participants,
			content = EXCLUDED.content,
			formatted_transcript = EXCLUDED.formatted_transcript,
			summary = EXCLUDED.summary,
			action_items = EXCLUDED.action_items,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at, (xmax = 0)
	`, uuid.NewString(), rec.TenantID, rec.MeetingID, emptyToNil(rec.MeetingUUID), rec.StartTime, rec.Topic, rec.DurationMinutes,
		emptyToNil(rec.HostEmail), rec.ParticipantsJSON, rec.RawTranscript, rec.FormattedTranscript, rec.Summary, nullJSON(rec.ActionItemsJSON), now,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &inserted)
	if err != nil {
		return models.TranscriptRecord{}, false, fmt.Errorf("upsert transcript: %w", err)
	}

	if hook != nil {
		if err := hook(ctx, rec); err != nil {
			return models.TranscriptRecord{}, false, fmt.Errorf("transcript upsert hook: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.TranscriptRecord{}, false, fmt.Errorf("commit: %w", err)
	}
	return rec, inserted, nil
}

// GetTranscript fetches a transcript by id.
func (s *Postgres) GetTranscript(ctx context.Context, id string) (models.TranscriptRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transcriptColumns+` FROM meeting_transcripts WHERE id = $1`, id)
	return scanPGTranscript(row)
}

// FindTranscript fetches the occurrence of meetingID that started at start.
func (s *Postgres) FindTranscript(ctx context.Context, meetingID string, start time.Time) (models.TranscriptRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transcriptColumns+` FROM meeting_transcripts WHERE zoom_meeting_id = $1 AND start_time = $2`,
		meetingID, occurrenceStart(start))
	return scanPGTranscript(row)
}

// ListOccurrences returns every stored occurrence of a (recurring) meeting, newest first.
func (s *Postgres) ListOccurrences(ctx context.Context, tenantID, meetingID string) ([]models.TranscriptRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transcriptColumns+` FROM meeting_transcripts
		WHERE tenant_id = $1 AND zoom_meeting_id = $2 ORDER BY start_time DESC`, tenantID, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()
	var out []models.TranscriptRecord
	for rows.Next() {
		rec, err := scanPGTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPGTranscript(row pgx.Row) (models.TranscriptRecord, error) {
	var rec models.TranscriptRecord
	var meetingUUID, hostEmail pgtype.Text
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.MeetingID, &meetingUUID, &rec.StartTime, &rec.Topic, &rec.DurationMinutes,
		&hostEmail, &rec.ParticipantsJSON, &rec.RawTranscript, &rec.FormattedTranscript, &rec.Summary, &rec.ActionItemsJSON,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TranscriptRecord{}, fmt.Errorf("transcript: %w", ErrNotFound)
		}
		return models.TranscriptRecord{}, fmt.Errorf("scan transcript: %w", err)
	}
	rec.MeetingUUID = textValue(meetingUUID)
	rec.HostEmail = textValue(hostEmail)
	rec.StartTime = rec.StartTime.UTC()
	return rec, nil
}

// HasSentDelivery reports whether any recipient of the transcript was already sent to.
func (s *Postgres) HasSentDelivery(ctx context.Context, transcriptID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM distribution_logs WHERE transcript_uuid = $1 AND status = $2)
	`, transcriptID, models.DeliverySent).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check sent delivery: %w", err)
	}
	return exists, nil
}

// PrepareDeliveryLogs creates or revives pending rows for every recipient.
func (s *Postgres) PrepareDeliveryLogs(ctx context.Context, tenantID, transcriptID string, recipients []models.Recipient) ([]models.DistributionLogEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, r := range recipients {
		batch.Queue(`
			INSERT INTO distribution_logs (id, tenant_id, transcript_uuid, recipient_email, recipient_type, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (transcript_uuid, recipient_email) DO UPDATE
			SET status = EXCLUDED.status, recipient_type = EXCLUDED.recipient_type, error_message = NULL, updated_at = EXCLUDED.updated_at
			WHERE distribution_logs.status = 'failed'
		`, uuid.NewString(), tenantID, transcriptID, r.Email, r.Role, models.DeliveryPending, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert distribution logs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.ListDeliveryLogs(ctx, transcriptID)
}

// MarkDeliveriesSent moves every not-yet-sent row of the transcript to sent.
func (s *Postgres) MarkDeliveriesSent(ctx context.Context, transcriptID string, sentAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE distribution_logs SET status = $2, sent_at = $3, error_message = NULL, updated_at = $3
		WHERE transcript_uuid = $1 AND status <> $2
	`, transcriptID, models.DeliverySent, sentAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark deliveries sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkDeliveriesFailed moves the pending rows of the transcript to failed.
func (s *Postgres) MarkDeliveriesFailed(ctx context.Context, transcriptID, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE distribution_logs SET status = $2, error_message = $3, updated_at = NOW()
		WHERE transcript_uuid = $1 AND status = $4
	`, transcriptID, models.DeliveryFailed, reason, models.DeliveryPending)
	if err != nil {
		return 0, fmt.Errorf("mark deliveries failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeliveryLogs returns the rows of a transcript, host first.
func (s *Postgres) ListDeliveryLogs(ctx context.Context, transcriptID string) ([]models.DistributionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, transcript_uuid, recipient_email, recipient_type, status, error_message, sent_at, created_at, updated_at
		FROM distribution_logs WHERE transcript_uuid = $1
		ORDER BY CASE recipient_type WHEN 'to' THEN 0 ELSE 1 END, recipient_email
	`, transcriptID)
	if err != nil {
		return nil, fmt.Errorf("list distribution logs: %w", err)
	}
	defer rows.Close()
	var out []models.DistributionLogEntry
	for rows.Next() {
		var e models.DistributionLogEntry
		var errMsg pgtype.Text
		var sentAt pgtype.Timestamptz
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TranscriptID, &e.RecipientEmail, &e.RecipientRole, &e.Status,
			&errMsg, &sentAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan distribution log: %w", err)
		}
		e.ErrorMessage = textValue(errMsg)
		if sentAt.Valid {
			t := sentAt.Time.UTC()
			e.SentAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDeliveryPreference returns the host's preference or ErrNotFound.
func (s *Postgres) GetDeliveryPreference(ctx context.Context, tenantID, hostEmail string) (models.DeliveryPreference, error) {
	var p models.DeliveryPreference
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, host_email, mode, updated_at FROM distribution_preferences
		WHERE tenant_id = $1 AND host_email = lower($2)
	`, tenantID, hostEmail).Scan(&p.TenantID, &p.HostEmail, &p.Mode, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeliveryPreference{}, fmt.Errorf("delivery preference: %w", ErrNotFound)
	}
	if err != nil {
		return models.DeliveryPreference{}, fmt.Errorf("query delivery preference: %w", err)
	}
	return p, nil
}

// SetDeliveryPreference stores the host's delivery mode.
func (s *Postgres) SetDeliveryPreference(ctx context.Context, pref models.DeliveryPreference) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO distribution_preferences (tenant_id, host_email, mode, updated_at)
		VALUES ($1, lower($2), $3, NOW())
		ON CONFLICT (tenant_id, host_email) DO UPDATE SET mode = EXCLUDED.mode, updated_at = EXCLUDED.updated_at
	`, pref.TenantID, pref.HostEmail, pref.Mode)
	if err != nil {
		return fmt.Errorf("set delivery preference: %w", err)
	}
	return nil
}

// GetActiveTenantCredential returns the active encrypted credential row of a tenant.
func (s *Postgres) GetActiveTenantCredential(ctx context.Context, tenantID string) (models.TenantCredential, error) {
	var c models.TenantCredential
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, client_id, client_secret_encrypted, webhook_secret_encrypted, account_id, is_active, created_at, updated_at
		FROM zoom_tenant_settings WHERE tenant_id = $1 AND is_active
	`, tenantID).Scan(&c.TenantID, &c.ProviderClientID, &c.ProviderClientSecretEncrypted, &c.WebhookSecretEncrypted,
		&c.ProviderAccountID, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TenantCredential{}, fmt.Errorf("tenant credential %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return models.TenantCredential{}, fmt.Errorf("query tenant credential: %w", err)
	}
	return c, nil
}

// UpsertTenantCredential replaces the active credential row of a tenant.
func (s *Postgres) UpsertTenantCredential(ctx context.Context, cred models.TenantCredential) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE zoom_tenant_settings SET is_active = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND is_active
	`, cred.TenantID); err != nil {
		return fmt.Errorf("deactivate previous credential: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO zoom_tenant_settings (id, tenant_id, client_id, client_secret_encrypted, webhook_secret_encrypted, account_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
	`, uuid.NewString(), cred.TenantID, cred.ProviderClientID, cred.ProviderClientSecretEncrypted, cred.WebhookSecretEncrypted, cred.ProviderAccountID); err != nil {
		return fmt.Errorf("insert tenant credential: %w", err)
	}
	return tx.Commit(ctx)
}

// DeactivateTenantCredential soft-deletes the active row of a tenant.
func (s *Postgres) DeactivateTenantCredential(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE zoom_tenant_settings SET is_active = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND is_active
	`, tenantID)
	if err != nil {
		return fmt.Errorf("deactivate tenant credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant credential %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
