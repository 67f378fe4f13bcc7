// Package intake turns provider recording notifications into transcript jobs.
// The HTTP webhook and the Kafka consumer both go through Accept.
package intake

import (
	"context"
	"errors"
	"fmt"

	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/webhook"
)

// Enqueuer queues transcript jobs.
type Enqueuer interface {
	EnqueueTranscript(ctx context.Context, payload models.TranscriptJobPayload) (models.Job, bool, error)
}

// Outcome of one accepted notification.
type Outcome struct {
	Event   string `json:"event"`
	JobID   string `json:"jobId,omitempty"`
	Created bool   `json:"created"`
	Ignored bool   `json:"ignored,omitempty"`
}

// ErrInvalidEvent marks notifications that can never produce a job.
var ErrInvalidEvent = errors.New("intake: invalid event")

// Accept enqueues the transcript job of a recording event. Other events are
// reported as ignored. A provider retry maps to the existing job.
func Accept(ctx context.Context, enq Enqueuer, tenantID string, ev webhook.Event) (Outcome, error) {
	out := Outcome{Event: ev.Name}
	if !ev.IsRecordingEvent() {
		out.Ignored = true
		telemetry.WebhooksReceived.WithLabelValues(ev.Name, "ignored").Inc()
		return out, nil
	}
	payload, err := ev.TranscriptJob(tenantID)
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues(ev.Name, "invalid").Inc()
		return out, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	job, created, err := enq.EnqueueTranscript(ctx, payload)
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues(ev.Name, "error").Inc()
		return out, err
	}
	out.JobID = job.ID
	out.Created = created
	if created {
		telemetry.WebhooksReceived.WithLabelValues(ev.Name, "enqueued").Inc()
	} else {
		telemetry.WebhooksReceived.WithLabelValues(ev.Name, "duplicate").Inc()
	}
	return out, nil
}
