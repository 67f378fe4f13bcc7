// Package pipeline wires the transcript, distribution and email handlers onto
// the job queue.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"meeting-transcript-pipeline/internal/archive"
	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/mail"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/queue"
	"meeting-transcript-pipeline/internal/recording"
	"meeting-transcript-pipeline/internal/store"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/transcript"
	"meeting-transcript-pipeline/internal/worker"
)

// Retriever is the recording access the handlers need.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID string, info models.MeetingInfo) (recording.Recording, error)
	Download(ctx context.Context, rec recording.Recording, f *recording.File, limit int64) ([]byte, error)
	VerifiedParticipantEmails(ctx context.Context, tenantID, meetingUUID string) ([]string, error)
}

// Extractor produces a transcript from recording artifacts.
type Extractor interface {
	Extract(ctx context.Context, src transcript.Sources) (transcript.Result, error)
}

// MinutesGenerator summarizes a transcript.
type MinutesGenerator interface {
	Generate(ctx context.Context, info models.MeetingInfo, text string) (models.MinutesResult, error)
}

// Store is the persistence the handlers need.
type Store interface {
	store.TranscriptStore
	store.DeliveryStore
}

// Runtime holds every handle the worker needs. It is built once at start-up.
type Runtime struct {
	Config    config.Config
	Log       logging.Logger
	Queue     *queue.RedisQueue
	Store     Store
	Retriever Retriever
	Extractor Extractor
	Minutes   MinutesGenerator
	Mail      mail.Sender
	Archive   *archive.Archiver
	Locker    *redislock.Client

	validate *validator.Validate
	now      func() time.Time
}

// NewRuntime fills defaults on rt and returns it.
func NewRuntime(rt Runtime) *Runtime {
	if rt.Log == nil {
		rt.Log = logging.NewNopLogger()
	}
	if rt.Config.Policies == nil {
		rt.Config.Policies = config.DefaultPolicies()
	}
	rt.validate = validator.New()
	rt.now = time.Now
	return &rt
}

// Processors builds one worker pool per topic.
func (rt *Runtime) Processors() []*worker.Processor {
	notifier := NewAdminNotifier(rt.Mail, rt.Config.AdminEmail, rt.Log)
	handlers := map[string]worker.Handler{
		config.TopicTranscript:   rt.HandleTranscript,
		config.TopicDistribution: rt.HandleDistribution,
		config.TopicEmail:        rt.HandleEmail,
	}
	out := make([]*worker.Processor, 0, len(config.Topics))
	for _, topic := range config.Topics {
		opts := worker.Options{
			PollInterval:        rt.Config.WorkerPollInterval,
			MaintenanceInterval: rt.Config.MaintenanceInterval,
			BackoffMax:          rt.Config.BackoffMax,
			LeaseRenewInterval:  rt.Config.VisibilityTimeout / 3,
			Notifier:            notifier,
			Logger:              rt.Log,
		}
		if topic == config.TopicTranscript {
			opts.JobTimeout = rt.Config.PipelineTimeout
		}
		out = append(out, worker.NewProcessor(topic, rt.Config.Policy(topic), rt.Queue, handlers[topic], opts))
	}
	return out
}

// Run starts every pool and blocks until ctx is cancelled or a pool fails.
func (rt *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range rt.Processors() {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	return g.Wait()
}

// EnqueueTranscript validates and queues a transcript job. A payload JobID
// makes the enqueue idempotent.
func (rt *Runtime) EnqueueTranscript(ctx context.Context, payload models.TranscriptJobPayload) (models.Job, bool, error) {
	if err := rt.validate.Struct(payload); err != nil {
		return models.Job{}, false, fmt.Errorf("invalid transcript payload: %w", err)
	}
	if payload.MeetingData.Source == nil {
		return models.Job{}, false, models.ErrUnknownMeetingShape
	}
	return rt.enqueue(ctx, config.TopicTranscript, payload.JobID, payload)
}

func (rt *Runtime) enqueue(ctx context.Context, topic, jobID string, payload any) (models.Job, bool, error) {
	opts := queue.OptionsFromPolicy(rt.Config.Policy(topic))
	opts.JobID = jobID
	job, created, err := rt.Queue.Enqueue(ctx, topic, payload, opts)
	if err != nil {
		return models.Job{}, false, err
	}
	if created {
		telemetry.JobsEnqueued.WithLabelValues(topic).Inc()
	}
	return job, created, nil
}

// decode unmarshals and validates a job payload. Failures are terminal.
func (rt *Runtime) decode(job models.Job, out any) error {
	if err := job.DecodePayload(out); err != nil {
		return worker.Unrecoverable(fmt.Errorf("decode %s payload: %w", job.Topic, err))
	}
	if err := rt.validate.Struct(out); err != nil {
		return worker.Unrecoverable(fmt.Errorf("invalid %s payload: %w", job.Topic, err))
	}
	return nil
}
