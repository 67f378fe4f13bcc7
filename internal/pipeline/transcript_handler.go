package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/minutes"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/recording"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/transcript"
	"meeting-transcript-pipeline/internal/worker"
)

// DistributionJobID dedupes distribution of one stored transcript.
func DistributionJobID(transcriptID string) string {
	return "distribution:" + transcriptID
}

// HandleTranscript retrieves the recording, extracts and summarizes the
// transcript, stores it and queues its distribution.
func (rt *Runtime) HandleTranscript(ctx context.Context, job models.Job, progress worker.ProgressFunc) (map[string]any, error) {
	var payload models.TranscriptJobPayload
	if err := rt.decode(job, &payload); err != nil {
		return nil, err
	}
	if payload.MeetingData.Source == nil {
		return nil, worker.Unrecoverable(models.ErrUnknownMeetingShape)
	}
	explicit, err := models.NormalizeMeeting(payload.MeetingData.Source)
	if err != nil {
		return nil, worker.Unrecoverable(err)
	}
	explicit.MeetingID = recording.NormalizeMeetingID(explicit.MeetingID)

	ctx, span := telemetry.StartSpan(ctx, "pipeline.transcript",
		attribute.String("tenant_id", payload.TenantID), attribute.String("meeting_id", explicit.MeetingID))
	result, err := rt.processTranscript(ctx, job, payload.TenantID, explicit, progress)
	telemetry.EndSpan(span, err)
	return result, err
}

func (rt *Runtime) processTranscript(ctx context.Context, job models.Job, tenantID string, explicit models.MeetingInfo, progress worker.ProgressFunc) (map[string]any, error) {
	log := rt.Log.With(logging.F("job_id", job.ID), logging.F("tenant_id", tenantID), logging.F("meeting_id", explicit.MeetingID))

	progress(10, "retrieving recording")
	rec, err := rt.Retriever.Retrieve(ctx, tenantID, explicit)
	if err != nil {
		return nil, classify(err)
	}
	info := models.MergeMeetingInfo(explicit, rec.Info)
	if info.MeetingID == "" || info.StartTime.IsZero() {
		return nil, worker.Unrecoverable(fmt.Errorf("meeting %q has no id or start time", info.MeetingID))
	}

	progress(30, "extracting transcript")
	extracted, err := rt.Extractor.Extract(ctx, rt.sources(rec))
	if err != nil {
		return nil, classify(err)
	}
	log.Info("transcript extracted",
		logging.F("method", extracted.Metrics.Method),
		logging.F("quality", extracted.Metrics.QualityScore),
		logging.F("speakers", extracted.Metrics.SpeakerCount))

	progress(60, "generating minutes")
	mins, err := rt.Minutes.Generate(ctx, info, extracted.Text)
	if err != nil {
		return nil, err
	}
	if mins.FormattedTranscript == "" {
		mins.FormattedTranscript = extracted.Text
	}

	progress(80, "saving transcript")
	record, err := transcriptRecord(tenantID, info, extracted.Text, mins)
	if err != nil {
		return nil, worker.Unrecoverable(err)
	}
	distributionEnqueued := false
	saved, created, err := rt.Store.UpsertTranscript(ctx, record, func(ctx context.Context, saved models.TranscriptRecord) error {
		_, _, err := rt.enqueue(ctx, config.TopicDistribution, DistributionJobID(saved.ID), models.DistributionJobPayload{
			TranscriptID: saved.ID,
			TenantID:     tenantID,
			MeetingInfo:  info,
			Transcript:   mins,
		})
		if err != nil {
			// the transcript is worth keeping even if distribution has to be retried by hand
			log.Warn("distribution enqueue failed, transcript kept", logging.Err(err), logging.F("transcript_id", saved.ID))
			return nil
		}
		distributionEnqueued = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save transcript: %w", err)
	}

	result := map[string]any{
		"transcriptId":         saved.ID,
		"created":              created,
		"distributionEnqueued": distributionEnqueued,
		"extraction":           extracted.Metrics.AsMap(),
		"summaryFallback":      mins.Summary == minutes.FallbackSummary,
		"durationMinutes":      info.DurationMinutes,
	}

	if rt.Archive.Enabled() {
		progress(90, "archiving")
		locs, err := rt.Archive.Store(ctx, saved, extracted.CaptionSource)
		if err != nil {
			log.Warn("archive failed", logging.Err(err))
		}
		if len(locs) > 0 {
			result["archived"] = locs
		}
	}

	progress(100, "done")
	log.Info("transcript stored", logging.F("transcript_id", saved.ID), logging.F("created", created),
		logging.F("distribution_enqueued", distributionEnqueued))
	return result, nil
}

func (rt *Runtime) sources(rec recording.Recording) transcript.Sources {
	var src transcript.Sources
	if f := rec.Artifacts.Caption; f != nil {
		src.Caption = &transcript.Artifact{Name: artifactName(f, "caption.vtt"), Fetch: rt.fetcher(rec, f)}
	}
	if f := rec.Artifacts.Audio; f != nil {
		src.Audio = &transcript.Artifact{Name: artifactName(f, "audio.m4a"), Fetch: rt.fetcher(rec, f)}
	}
	return src
}

func (rt *Runtime) fetcher(rec recording.Recording, f *recording.File) func(context.Context, int64) ([]byte, error) {
	return func(ctx context.Context, limit int64) ([]byte, error) {
		data, err := rt.Retriever.Download(ctx, rec, f, limit)
		if errors.Is(err, recording.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %w", transcript.ErrArtifactTooLarge, err)
		}
		return data, err
	}
}

func artifactName(f *recording.File, fallback string) string {
	if f.ID != "" && f.FileExtension != "" {
		return f.ID + "." + f.FileExtension
	}
	return fallback
}

func transcriptRecord(tenantID string, info models.MeetingInfo, raw string, mins models.MinutesResult) (models.TranscriptRecord, error) {
	participants := info.Participants
	if participants == nil {
		participants = []models.Participant{}
	}
	pj, err := json.Marshal(participants)
	if err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("encode participants: %w", err)
	}
	var aj []byte
	if len(mins.ActionItems) > 0 {
		if aj, err = json.Marshal(mins.ActionItems); err != nil {
			return models.TranscriptRecord{}, fmt.Errorf("encode action items: %w", err)
		}
	}
	return models.TranscriptRecord{
		TenantID:            tenantID,
		MeetingID:           info.MeetingID,
		MeetingUUID:         info.UUID,
		StartTime:           info.StartTime,
		Topic:               info.Topic,
		DurationMinutes:     info.DurationMinutes,
		HostEmail:           info.HostEmail,
		ParticipantsJSON:    pj,
		RawTranscript:       raw,
		FormattedTranscript: mins.FormattedTranscript,
		Summary:             mins.Summary,
		ActionItemsJSON:     aj,
	}, nil
}

// classify marks structural failures as terminal. Everything else retries.
func classify(err error) error {
	switch {
	case errors.Is(err, recording.ErrAuthFailed),
		errors.Is(err, recording.ErrNoArtifacts),
		errors.Is(err, recording.ErrTooLarge),
		errors.Is(err, transcript.ErrExtraction):
		return worker.Unrecoverable(err)
	}
	return err
}
