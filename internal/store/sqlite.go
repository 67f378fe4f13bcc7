package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"meeting-transcript-pipeline/internal/models"
)

// SQLite is the single-node store used for local runs and tests. Writes are
// serialised through one connection.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates) the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertTranscript looks the occurrence up and updates it in place, or inserts a
// new row, then runs hook before committing.
func (s *SQLite) UpsertTranscript(ctx context.Context, rec models.TranscriptRecord, hook TxHook) (models.TranscriptRecord, bool, error) {
	rec.StartTime = occurrenceStart(rec.StartTime)
	rec.ParticipantsJSON = participantsOrEmpty(rec.ParticipantsJSON)
	now := time.Now().UTC()
	inserted := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id, created string
		err := tx.QueryRowContext(ctx, `SELECT id, created_at FROM meeting_transcripts WHERE zoom_meeting_id = ? AND start_time = ?`,
			rec.MeetingID, formatTime(rec.StartTime)).Scan(&id, &created)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			inserted = true
			rec.ID = uuid.NewString()
			rec.CreatedAt = now
			_, err = tx.ExecContext(ctx, `
				INSERT INTO meeting_transcripts (id, tenant_id, zoom_meeting_id, zoom_meeting_uuid, start_time, meeting_topic, duration,
					host_email, participants, content, formatted_transcript, summary, action_items, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, rec.ID, rec.TenantID, rec.MeetingID, emptyToNil(rec.MeetingUUID), formatTime(rec.StartTime), rec.Topic, rec.DurationMinutes,
				emptyToNil(rec.HostEmail), string(rec.ParticipantsJSON), rec.RawTranscript, rec.FormattedTranscript, rec.Summary,
				nullText(rec.ActionItemsJSON), formatTime(now), formatTime(now))
			if err != nil {
				return fmt.Errorf("insert transcript: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lookup transcript: %w", err)
		default:
			rec.ID = id
			rec.CreatedAt = parseTime(created)
			_, err = tx.ExecContext(ctx, `
				UPDATE meeting_transcripts SET tenant_id = ?, zoom_meeting_uuid = ?, meeting_topic = ?, duration = ?, host_email = ?,
					participants = ?, content = ?, formatted_transcript = ?, summary = ?, action_items = ?, updated_at = ?
				WHERE id = ?
			`, rec.TenantID, emptyToNil(rec.MeetingUUID), rec.Topic, rec.DurationMinutes, emptyToNil(rec.HostEmail),
				string(rec.ParticipantsJSON), rec.RawTranscript, rec.FormattedTranscript, rec.Summary, nullText(rec.ActionItemsJSON),
				formatTime(now), rec.ID)
			if err != nil {
				return fmt.Errorf("update transcript: %w", err)
			}
		}
		rec.UpdatedAt = now
		if hook != nil {
			if err := hook(ctx, rec); err != nil {
				return fmt.Errorf("transcript upsert hook: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.TranscriptRecord{}, false, err
	}
	return rec, inserted, nil
}

const sqliteTranscriptColumns = `id, tenant_id, zoom_meeting_id, zoom_meeting_uuid, start_time, meeting_topic, duration,
	host_email, participants, content, formatted_transcript, summary, action_items, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTranscript(row rowScanner) (models.TranscriptRecord, error) {
	var rec models.TranscriptRecord
	var meetingUUID, hostEmail, actionItems sql.NullString
	var start, participants, created, updated string
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.MeetingID, &meetingUUID, &start, &rec.Topic, &rec.DurationMinutes,
		&hostEmail, &participants, &rec.RawTranscript, &rec.FormattedTranscript, &rec.Summary, &actionItems,
		&created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TranscriptRecord{}, fmt.Errorf("transcript: %w", ErrNotFound)
		}
		return models.TranscriptRecord{}, fmt.Errorf("scan transcript: %w", err)
	}
	rec.MeetingUUID = meetingUUID.String
	rec.HostEmail = hostEmail.String
	rec.StartTime = parseTime(start)
	rec.ParticipantsJSON = []byte(participants)
	if actionItems.Valid {
		rec.ActionItemsJSON = []byte(actionItems.String)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

// GetTranscript fetches a transcript by id.
func (s *SQLite) GetTranscript(ctx context.Context, id string) (models.TranscriptRecord, error) {
	return scanSQLiteTranscript(s.db.QueryRowContext(ctx, `SELECT `+sqliteTranscriptColumns+` FROM meeting_transcripts WHERE id = ?`, id))
}

// FindTranscript fetches the occurrence of meetingID that started at start.
func (s *SQLite) FindTranscript(ctx context.Context, meetingID string, start time.Time) (models.TranscriptRecord, error) {
	return scanSQLiteTranscript(s.db.QueryRowContext(ctx, `SELECT `+sqliteTranscriptColumns+` FROM meeting_transcripts
		WHERE zoom_meeting_id = ? AND start_time = ?`, meetingID, formatTime(occurrenceStart(start))))
}

// ListOccurrences returns every stored occurrence of a (recurring) meeting, newest first.
func (s *SQLite) ListOccurrences(ctx context.Context, tenantID, meetingID string) ([]models.TranscriptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTranscriptColumns+` FROM meeting_transcripts
		WHERE tenant_id = ? AND zoom_meeting_id = ? ORDER BY start_time DESC`, tenantID, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()
	var out []models.TranscriptRecord
	for rows.Next() {
		rec, err := scanSQLiteTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasSentDelivery reports whether any recipient of the transcript was already sent to.
func (s *SQLite) HasSentDelivery(ctx context.Context, transcriptID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM distribution_logs WHERE transcript_uuid = ? AND status = ?`,
		transcriptID, models.DeliverySent).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check sent delivery: %w", err)
	}
	return n > 0, nil
}

// PrepareDeliveryLogs creates or revives pending rows for every recipient.
func (s *SQLite) PrepareDeliveryLogs(ctx context.Context, tenantID, transcriptID string, recipients []models.Recipient) ([]models.DistributionLogEntry, error) {
	now := formatTime(time.Now().UTC())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recipients {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO distribution_logs (id, tenant_id, transcript_uuid, recipient_email, recipient_type, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (transcript_uuid, recipient_email) DO UPDATE
				SET status = excluded.status, recipient_type = excluded.recipient_type, error_message = NULL, updated_at = excluded.updated_at
				WHERE distribution_logs.status = 'failed'
			`, uuid.NewString(), tenantID, transcriptID, r.Email, r.Role, models.DeliveryPending, now, now)
			if err != nil {
				return fmt.Errorf("insert distribution log %s: %w", r.Email, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ListDeliveryLogs(ctx, transcriptID)
}

// MarkDeliveriesSent moves every not-yet-sent row of the transcript to sent.
func (s *SQLite) MarkDeliveriesSent(ctx context.Context, transcriptID string, sentAt time.Time) (int64, error) {
	ts := formatTime(sentAt.UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE distribution_logs SET status = ?, sent_at = ?, error_message = NULL, updated_at = ?
		WHERE transcript_uuid = ? AND status <> ?
	`, models.DeliverySent, ts, ts, transcriptID, models.DeliverySent)
	if err != nil {
		return 0, fmt.Errorf("mark deliveries sent: %w", err)
	}
	return res.RowsAffected()
}

// MarkDeliveriesFailed moves the pending rows of the transcript to failed.
func (s *SQLite) MarkDeliveriesFailed(ctx context.Context, transcriptID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE distribution_logs SET status = ?, error_message = ?, updated_at = ?
		WHERE transcript_uuid = ? AND status = ?
	`, models.DeliveryFailed, reason, formatTime(time.Now().UTC()), transcriptID, models.DeliveryPending)
	if err != nil {
		return 0, fmt.Errorf("mark deliveries failed: %w", err)
	}
	return res.RowsAffected()
}

// ListDeliveryLogs returns the rows of a transcript, host first.
func (s *SQLite) ListDeliveryLogs(ctx context.Context, transcriptID string) ([]models.DistributionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, transcript_uuid, recipient_email, recipient_type, status, error_message, sent_at, created_at, updated_at
		FROM distribution_logs WHERE transcript_uuid = ?
		ORDER BY CASE recipient_type WHEN 'to' THEN 0 ELSE 1 END, recipient_email
	`, transcriptID)
	if err != nil {
		return nil, fmt.Errorf("list distribution logs: %w", err)
	}
	defer rows.Close()
	var out []models.DistributionLogEntry
	for rows.Next() {
		var e models.DistributionLogEntry
		var errMsg, sentAt sql.NullString
		var created, updated string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TranscriptID, &e.RecipientEmail, &e.RecipientRole, &e.Status,
			&errMsg, &sentAt, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan distribution log: %w", err)
		}
		e.ErrorMessage = errMsg.String
		if sentAt.Valid {
			t := parseTime(sentAt.String)
			e.SentAt = &t
		}
		e.CreatedAt = parseTime(created)
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDeliveryPreference returns the host's preference or ErrNotFound.
func (s *SQLite) GetDeliveryPreference(ctx context.Context, tenantID, hostEmail string) (models.DeliveryPreference, error) {
	var p models.DeliveryPreference
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, host_email, mode, updated_at FROM distribution_preferences WHERE tenant_id = ? AND host_email = ?
	`, tenantID, strings.ToLower(hostEmail)).Scan(&p.TenantID, &p.HostEmail, &p.Mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryPreference{}, fmt.Errorf("delivery preference: %w", ErrNotFound)
	}
	if err != nil {
		return models.DeliveryPreference{}, fmt.Errorf("query delivery preference: %w", err)
	}
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// SetDeliveryPreference stores the host's delivery mode.
func (s *SQLite) SetDeliveryPreference(ctx context.Context, pref models.DeliveryPreference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO distribution_preferences (tenant_id, host_email, mode, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, host_email) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at
	`, pref.TenantID, strings.ToLower(pref.HostEmail), pref.Mode, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set delivery preference: %w", err)
	}
	return nil
}

// GetActiveTenantCredential returns the active encrypted credential row of a tenant.
func (s *SQLite) GetActiveTenantCredential(ctx context.Context, tenantID string) (models.TenantCredential, error) {
	var c models.TenantCredential
	var active int
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, client_id, client_secret_encrypted, webhook_secret_encrypted, account_id, is_active, created_at, updated_at
		FROM zoom_tenant_settings WHERE tenant_id = ? AND is_active = 1
	`, tenantID).Scan(&c.TenantID, &c.ProviderClientID, &c.ProviderClientSecretEncrypted, &c.WebhookSecretEncrypted,
		&c.ProviderAccountID, &active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TenantCredential{}, fmt.Errorf("tenant credential %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return models.TenantCredential{}, fmt.Errorf("query tenant credential: %w", err)
	}
	c.IsActive = active == 1
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// UpsertTenantCredential replaces the active credential row of a tenant.
func (s *SQLite) UpsertTenantCredential(ctx context.Context, cred models.TenantCredential) error {
	now := formatTime(time.Now().UTC())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE zoom_tenant_settings SET is_active = 0, updated_at = ? WHERE tenant_id = ? AND is_active = 1`,
			now, cred.TenantID); err != nil {
			return fmt.Errorf("deactivate previous credential: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO zoom_tenant_settings (id, tenant_id, client_id, client_secret_encrypted, webhook_secret_encrypted, account_id, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		`, uuid.NewString(), cred.TenantID, cred.ProviderClientID, cred.ProviderClientSecretEncrypted, cred.WebhookSecretEncrypted,
			cred.ProviderAccountID, now, now); err != nil {
			return fmt.Errorf("insert tenant credential: %w", err)
		}
		return nil
	})
}

// DeactivateTenantCredential soft-deletes the active row of a tenant.
func (s *SQLite) DeactivateTenantCredential(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE zoom_tenant_settings SET is_active = 0, updated_at = ? WHERE tenant_id = ? AND is_active = 1`,
		formatTime(time.Now().UTC()), tenantID)
	if err != nil {
		return fmt.Errorf("deactivate tenant credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant credential %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
