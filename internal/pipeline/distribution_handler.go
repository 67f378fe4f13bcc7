package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/store"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/worker"
)

// EmailJobID dedupes the email job of one stored transcript.
func EmailJobID(transcriptID string) string {
	return "email:" + transcriptID
}

// HandleDistribution resolves the recipients of a stored transcript, records a
// pending delivery row per recipient and queues the email.
func (rt *Runtime) HandleDistribution(ctx context.Context, job models.Job, progress worker.ProgressFunc) (map[string]any, error) {
	var payload models.DistributionJobPayload
	if err := rt.decode(job, &payload); err != nil {
		return nil, err
	}
	log := rt.Log.With(logging.F("job_id", job.ID), logging.F("transcript_id", payload.TranscriptID))

	sent, err := rt.Store.HasSentDelivery(ctx, payload.TranscriptID)
	if err != nil {
		return nil, fmt.Errorf("check delivery state: %w", err)
	}
	if sent {
		telemetry.DistributionSkipped.Inc()
		log.Info("minutes already delivered, skipping")
		return map[string]any{"skipped": true, "reason": "already sent"}, nil
	}

	host := strings.ToLower(strings.TrimSpace(payload.MeetingInfo.HostEmail))
	if host == "" {
		return nil, worker.Unrecoverable(errors.New("meeting has no host email"))
	}

	progress(20, "resolving recipients")
	mode := models.ModeAllParticipants
	pref, err := rt.Store.GetDeliveryPreference(ctx, payload.TenantID, host)
	switch {
	case err == nil:
		mode = pref.Mode
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load delivery preference: %w", err)
	}

	var verified []string
	if mode == models.ModeAllParticipants {
		if payload.MeetingInfo.UUID == "" {
			log.Warn("meeting uuid missing, sending to host only")
		} else if verified, err = rt.Retriever.VerifiedParticipantEmails(ctx, payload.TenantID, payload.MeetingInfo.UUID); err != nil {
			log.Warn("participant lookup failed, sending to host only", logging.Err(err))
			verified = nil
		}
	}
	bcc := bccRecipients(host, verified, func(addr string) bool {
		if err := rt.validate.Var(addr, "email"); err != nil {
			log.Warn("dropping malformed participant address", logging.F("address", addr))
			return false
		}
		return true
	})

	progress(60, "recording delivery")
	recipients := make([]models.Recipient, 0, len(bcc)+1)
	recipients = append(recipients, models.Recipient{Email: host, Role: models.RoleTo})
	for _, addr := range bcc {
		recipients = append(recipients, models.Recipient{Email: addr, Role: models.RoleBcc})
	}
	if _, err := rt.Store.PrepareDeliveryLogs(ctx, payload.TenantID, payload.TranscriptID, recipients); err != nil {
		return nil, fmt.Errorf("prepare delivery logs: %w", err)
	}

	_, created, err := rt.enqueue(ctx, config.TopicEmail, EmailJobID(payload.TranscriptID), models.EmailJobPayload{
		TranscriptID:  payload.TranscriptID,
		Recipients:    []string{host},
		BccRecipients: bcc,
		Transcript:    payload.Transcript,
		MeetingInfo:   payload.MeetingInfo,
		TenantID:      payload.TenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue email: %w", err)
	}

	progress(100, "done")
	log.Info("distribution queued", logging.F("mode", mode), logging.F("bcc", len(bcc)), logging.F("email_job_created", created))
	return map[string]any{
		"mode":        mode,
		"recipients":  len(recipients),
		"bcc":         len(bcc),
		"emailQueued": created,
	}, nil
}

// bccRecipients drops blanks, the host, duplicates and addresses rejected by
// valid, case-insensitively.
func bccRecipients(host string, emails []string, valid func(string) bool) []string {
	seen := map[string]struct{}{host: {}}
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		if valid != nil && !valid(e) {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
