package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"

	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/mail"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/worker"
)

const emailLockTTL = 2 * time.Minute

// ErrSendInProgress is returned when another worker holds the send lock of a
// transcript. The job is retried.
var ErrSendInProgress = errors.New("email send already in progress")

// HandleEmail sends the minutes once per transcript and records the outcome
// on every delivery row.
func (rt *Runtime) HandleEmail(ctx context.Context, job models.Job, progress worker.ProgressFunc) (map[string]any, error) {
	var payload models.EmailJobPayload
	if err := rt.decode(job, &payload); err != nil {
		return nil, err
	}
	log := rt.Log.With(logging.F("job_id", job.ID), logging.F("transcript_id", payload.TranscriptID))

	if skipped, err := rt.alreadySent(ctx, payload.TranscriptID); err != nil || skipped {
		return skippedResult(skipped), err
	}

	if rt.Locker != nil {
		lock, err := rt.Locker.Obtain(ctx, "lock:email:"+payload.TranscriptID, emailLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrSendInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("obtain send lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warn("release send lock", logging.Err(err))
			}
		}()
		// a concurrent holder may have finished between the first check and the lock
		if skipped, err := rt.alreadySent(ctx, payload.TranscriptID); err != nil || skipped {
			return skippedResult(skipped), err
		}
	}

	recipients := make([]models.Recipient, 0, len(payload.Recipients)+len(payload.BccRecipients))
	for _, addr := range payload.Recipients {
		recipients = append(recipients, models.Recipient{Email: addr, Role: models.RoleTo})
	}
	for _, addr := range payload.BccRecipients {
		recipients = append(recipients, models.Recipient{Email: addr, Role: models.RoleBcc})
	}
	if _, err := rt.Store.PrepareDeliveryLogs(ctx, payload.TenantID, payload.TranscriptID, recipients); err != nil {
		return nil, fmt.Errorf("prepare delivery logs: %w", err)
	}

	progress(30, "rendering")
	msg, err := mail.RenderMinutes(payload.MeetingInfo, payload.Transcript)
	if err != nil {
		return nil, worker.Unrecoverable(err)
	}
	msg.To = payload.Recipients
	msg.Bcc = payload.BccRecipients

	progress(60, "sending")
	messageID, err := rt.Mail.Send(ctx, msg)
	if err != nil {
		telemetry.EmailsSent.WithLabelValues("failed").Inc()
		if _, markErr := rt.Store.MarkDeliveriesFailed(context.WithoutCancel(ctx), payload.TranscriptID, err.Error()); markErr != nil {
			log.Error("mark deliveries failed", logging.Err(markErr))
		}
		return nil, fmt.Errorf("send minutes: %w", err)
	}
	telemetry.EmailsSent.WithLabelValues("sent").Inc()

	// The mail is out. A bookkeeping error must not fail the job or it would be sent again.
	marked, err := rt.Store.MarkDeliveriesSent(context.WithoutCancel(ctx), payload.TranscriptID, rt.now())
	if err != nil {
		log.Error("mark deliveries sent", logging.Err(err), logging.F("message_id", messageID))
	}

	progress(100, "done")
	log.Info("minutes sent", logging.F("message_id", messageID),
		logging.F("to", len(payload.Recipients)), logging.F("bcc", len(payload.BccRecipients)))
	return map[string]any{
		"messageId":  messageID,
		"recipients": len(recipients),
		"marked":     marked,
	}, nil
}

func (rt *Runtime) alreadySent(ctx context.Context, transcriptID string) (bool, error) {
	sent, err := rt.Store.HasSentDelivery(ctx, transcriptID)
	if err != nil {
		return false, fmt.Errorf("check delivery state: %w", err)
	}
	if sent {
		telemetry.DistributionSkipped.Inc()
		rt.Log.Info("minutes already delivered, skipping", logging.F("transcript_id", transcriptID))
	}
	return sent, nil
}

func skippedResult(skipped bool) map[string]any {
	if !skipped {
		return nil
	}
	return map[string]any{"skipped": true, "reason": "already sent"}
}

// AdminNotifier emails the operator when a job exhausts its attempts.
type AdminNotifier struct {
	sender mail.Sender
	to     string
	log    logging.Logger
}

// NewAdminNotifier returns a notifier sending to adminEmail. With no address
// failures are only logged.
func NewAdminNotifier(sender mail.Sender, adminEmail string, log logging.Logger) *AdminNotifier {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &AdminNotifier{sender: sender, to: adminEmail, log: log}
}

// NotifyFailure implements worker.FailureNotifier. Errors are logged, never returned.
func (n *AdminNotifier) NotifyFailure(ctx context.Context, job models.Job, jobErr error, stack string) {
	log := n.log.With(logging.F("job_id", job.ID), logging.F("topic", job.Topic))
	if n.to == "" || n.sender == nil {
		telemetry.FailureNotifications.WithLabelValues("skipped").Inc()
		log.Warn("job failed, no admin address configured", logging.Err(jobErr))
		return
	}
	msg, err := mail.RenderFailure(mail.FailureReport{
		Topic:    job.Topic,
		JobID:    job.ID,
		Attempts: job.Attempts,
		Error:    errorText(jobErr),
		Payload:  string(job.Payload),
		Stack:    stack,
	})
	if err == nil {
		msg.To = []string{n.to}
		_, err = n.sender.Send(ctx, msg)
	}
	if err != nil {
		telemetry.FailureNotifications.WithLabelValues("error").Inc()
		log.Error("admin notification failed", logging.Err(err))
		return
	}
	telemetry.FailureNotifications.WithLabelValues("sent").Inc()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
