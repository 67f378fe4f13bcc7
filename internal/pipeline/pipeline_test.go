package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/mail"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/queue"
	"meeting-transcript-pipeline/internal/recording"
	"meeting-transcript-pipeline/internal/store"
	"meeting-transcript-pipeline/internal/transcript"
)

const captionVTT = `WEBVTT

1
00:00:01.000 --> 00:00:04.000
上辻としゆき: 本日の議題を確認します。

2
00:00:05.000 --> 00:00:09.000
田中太郎: 資料は昨日共有済みです。

3
00:00:10.000 --> 00:00:13.000
上辻としゆき: では来週までにレビューをお願いします。
`

var meetingStart = time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)

type fakeRetriever struct {
	mu        sync.Mutex
	verified  []string
	lookupErr error
	downloads int
}

func (f *fakeRetriever) Retrieve(_ context.Context, tenantID string, info models.MeetingInfo) (recording.Recording, error) {
	return recording.Recording{
		TenantID: tenantID,
		Info: models.MeetingInfo{
			MeetingID:       "81234567890",
			UUID:            "occ-uuid==",
			Topic:           "週次定例",
			StartTime:       meetingStart,
			DurationMinutes: 52,
			HostEmail:       "host@example.com",
			Participants:    []models.Participant{{Name: "host", Email: "host@example.com", Source: models.SourceHost}},
		},
		Artifacts: recording.Artifacts{Caption: &recording.File{ID: "cc-1", FileExtension: "VTT"}},
	}, nil
}

func (f *fakeRetriever) Download(context.Context, recording.Recording, *recording.File, int64) ([]byte, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	return []byte(captionVTT), nil
}

func (f *fakeRetriever) VerifiedParticipantEmails(context.Context, string, string) ([]string, error) {
	return f.verified, f.lookupErr
}

type fakeMinutes struct{}

func (fakeMinutes) Generate(_ context.Context, info models.MeetingInfo, text string) (models.MinutesResult, error) {
	return models.MinutesResult{
		Summary:     "議題と資料の共有状況を確認した。",
		KeyPoints:   []string{"資料は共有済み"},
		ActionItems: []models.ActionItem{{Task: "資料レビュー", Assignee: "田中太郎"}},
	}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg mail.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-1", nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	rt     *Runtime
	store  *store.SQLite
	sender *fakeSender
	ret    *fakeRetriever
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.RunMigrations(ctx))

	sender := &fakeSender{}
	ret := &fakeRetriever{verified: []string{"HOST@example.com", "tanaka@example.com", "tanaka@example.com"}}
	rt := NewRuntime(Runtime{
		Config:    config.Config{AdminEmail: "ops@example.com"},
		Queue:     queue.NewRedisQueue(client, time.Minute),
		Store:     db,
		Retriever: ret,
		Extractor: transcript.NewExtractor(nil, nil, transcript.Limits{}, nil),
		Minutes:   fakeMinutes{},
		Mail:      sender,
		Locker:    redislock.New(client),
	})
	return &harness{rt: rt, store: db, sender: sender, ret: ret}
}

// drain runs every pool until no topic has waiting work.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	procs := h.rt.Processors()
	for i := 0; i < 20; i++ {
		worked := false
		for _, p := range procs {
			ok, err := p.RunOnce(ctx)
			require.NoError(t, err)
			worked = worked || ok
		}
		if !worked {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func webhookPayload(jobID string) models.TranscriptJobPayload {
	return models.TranscriptJobPayload{
		JobID:    jobID,
		TenantID: "tenant-a",
		MeetingData: models.MeetingData{Source: models.WebhookMeeting{
			ID:           "812 3456 7890",
			UUID:         "occ-uuid==",
			Topic:        "週次定例",
			StartTime:    "2024-05-01T01:00:00Z",
			Duration:     45,
			HostEmail:    "host@example.com",
			Participants: []models.ParticipantRef{{Name: "上辻としゆき"}, {Name: "田中太郎"}},
		}},
	}
}

func TestPipelineDeliversMinutesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, created, err := h.rt.EnqueueTranscript(ctx, webhookPayload("transcript:occ-uuid=="))
	require.NoError(t, err)
	require.True(t, created)
	h.drain(t)

	job, err := h.rt.Queue.GetJob(ctx, config.TopicTranscript, "transcript:occ-uuid==")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, job.Status, job.FailedReason)
	extraction, ok := job.Result["extraction"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.MethodCaption, extraction["method"])
	assert.Equal(t, true, job.Result["distributionEnqueued"])

	rec, err := h.store.FindTranscript(ctx, "81234567890", meetingStart)
	require.NoError(t, err)
	assert.Equal(t, 45, rec.DurationMinutes)
	assert.EqualValues(t, 45, job.Result["durationMinutes"])
	assert.Contains(t, rec.RawTranscript, "上辻としゆき: 本日の議題を確認します。")
	assert.Contains(t, rec.FormattedTranscript, "田中太郎")
	var participants []models.Participant
	require.NoError(t, json.Unmarshal(rec.ParticipantsJSON, &participants))
	assert.Len(t, participants, 3)
	assert.JSONEq(t, `[{"task":"資料レビュー","assignee":"田中太郎"}]`, string(rec.ActionItemsJSON))

	require.Equal(t, 1, h.sender.count())
	msg := h.sender.sent[0]
	assert.Equal(t, []string{"host@example.com"}, msg.To)
	assert.Equal(t, []string{"tanaka@example.com"}, msg.Bcc)
	assert.Contains(t, msg.Subject, "週次定例")

	logs, err := h.store.ListDeliveryLogs(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.RoleTo, logs[0].RecipientRole)
	assert.Equal(t, models.RoleBcc, logs[1].RecipientRole)
	for _, l := range logs {
		assert.Equal(t, models.DeliverySent, l.Status)
	}

	// the same occurrence arriving again under another job id is stored in place and not resent
	_, created, err = h.rt.EnqueueTranscript(ctx, webhookPayload("transcript:redelivery"))
	require.NoError(t, err)
	require.True(t, created)
	h.drain(t)

	all, err := h.store.ListOccurrences(ctx, "tenant-a", "81234567890")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, h.sender.count())
}

func TestPipelineDuplicateWebhookIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, created, err := h.rt.EnqueueTranscript(ctx, webhookPayload("transcript:occ-uuid=="))
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = h.rt.EnqueueTranscript(ctx, webhookPayload("transcript:occ-uuid=="))
	require.NoError(t, err)
	assert.False(t, created)

	h.drain(t)
	assert.Equal(t, 1, h.ret.downloads)
	assert.Equal(t, 1, h.sender.count())
}

func TestPipelineHostOnlyPreference(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetDeliveryPreference(ctx, models.DeliveryPreference{
		TenantID: "tenant-a", HostEmail: "host@example.com", Mode: models.ModeHostOnly,
	}))

	_, _, err := h.rt.EnqueueTranscript(ctx, webhookPayload("transcript:occ-uuid=="))
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, 1, h.sender.count())
	assert.Empty(t, h.sender.sent[0].Bcc)
}

func TestPipelineParticipantLookupFailureFallsBackToHost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ret.lookupErr = recording.ErrAuthFailed

	_, _, err := h.rt.EnqueueTranscript(ctx, webhookPayload("transcript:occ-uuid=="))
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, 1, h.sender.count())
	assert.Equal(t, []string{"host@example.com"}, h.sender.sent[0].To)
	assert.Empty(t, h.sender.sent[0].Bcc)
}

func emailJob(t *testing.T, transcriptID string) models.Job {
	t.Helper()
	raw, err := json.Marshal(models.EmailJobPayload{
		TranscriptID:  transcriptID,
		TenantID:      "tenant-a",
		Recipients:    []string{"host@example.com"},
		BccRecipients: []string{"tanaka@example.com"},
		MeetingInfo:   models.MeetingInfo{MeetingID: "81234567890", Topic: "週次定例", StartTime: meetingStart, HostEmail: "host@example.com"},
		Transcript:    models.MinutesResult{Summary: "要約"},
	})
	require.NoError(t, err)
	return models.Job{ID: EmailJobID(transcriptID), Topic: config.TopicEmail, Payload: raw}
}

func noProgress(int, string) {}

func TestHandleEmailFailureMarksDeliveriesFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec, _, err := h.store.UpsertTranscript(ctx, models.TranscriptRecord{
		TenantID: "tenant-a", MeetingID: "81234567890", StartTime: meetingStart, Topic: "週次定例",
	}, nil)
	require.NoError(t, err)

	h.sender.err = errors.New("ses throttled")
	_, err = h.rt.HandleEmail(ctx, emailJob(t, rec.ID), noProgress)
	require.Error(t, err)

	logs, err := h.store.ListDeliveryLogs(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, models.DeliveryFailed, l.Status)
		assert.Contains(t, l.ErrorMessage, "ses throttled")
	}

	// the retry revives the failed rows and sends
	h.sender.err = nil
	result, err := h.rt.HandleEmail(ctx, emailJob(t, rec.ID), noProgress)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", result["messageId"])

	result, err = h.rt.HandleEmail(ctx, emailJob(t, rec.ID), noProgress)
	require.NoError(t, err)
	assert.Equal(t, true, result["skipped"])
	assert.Equal(t, 1, h.sender.count())
}

func TestHandleEmailWaitsForConcurrentSender(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec, _, err := h.store.UpsertTranscript(ctx, models.TranscriptRecord{
		TenantID: "tenant-a", MeetingID: "81234567890", StartTime: meetingStart,
	}, nil)
	require.NoError(t, err)

	lock, err := h.rt.Locker.Obtain(ctx, "lock:email:"+rec.ID, time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = lock.Release(ctx) }()

	_, err = h.rt.HandleEmail(ctx, emailJob(t, rec.ID), noProgress)
	assert.ErrorIs(t, err, ErrSendInProgress)
	assert.Zero(t, h.sender.count())
}

func TestHandleTranscriptKeepsRecordWhenDistributionEnqueueFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	raw, err := json.Marshal(webhookPayload("transcript:occ-uuid=="))
	require.NoError(t, err)

	unreachable := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = unreachable.Close() })
	rt := *h.rt
	rt.Queue = queue.NewRedisQueue(unreachable, time.Minute)
	result, err := rt.HandleTranscript(ctx, models.Job{ID: "transcript:occ-uuid==", Topic: config.TopicTranscript, Payload: raw}, noProgress)
	require.NoError(t, err)
	assert.Equal(t, false, result["distributionEnqueued"])
	assert.Equal(t, true, result["created"])

	_, err = h.store.FindTranscript(ctx, "81234567890", meetingStart)
	assert.NoError(t, err)
}

func TestHandleTranscriptRejectsMissingMeetingData(t *testing.T) {
	h := newHarness(t)
	_, err := h.rt.HandleTranscript(context.Background(), models.Job{
		ID: "bad", Topic: config.TopicTranscript, Payload: []byte(`{"tenantId":"tenant-a","meetingData":null}`),
	}, noProgress)
	require.Error(t, err)
}

func TestAdminNotifierSendsReport(t *testing.T) {
	sender := &fakeSender{}
	n := NewAdminNotifier(sender, "ops@example.com", nil)
	n.NotifyFailure(context.Background(), models.Job{ID: "email:t-1", Topic: config.TopicEmail, Attempts: 5}, errors.New("smtp down"), "")

	require.Equal(t, 1, sender.count())
	assert.Equal(t, []string{"ops@example.com"}, sender.sent[0].To)
	assert.Contains(t, sender.sent[0].Subject, "email:t-1")
	assert.Contains(t, sender.sent[0].Text, "smtp down")

	quiet := NewAdminNotifier(sender, "", nil)
	quiet.NotifyFailure(context.Background(), models.Job{ID: "x"}, errors.New("boom"), "")
	assert.Equal(t, 1, sender.count())
}

func TestBccRecipients(t *testing.T) {
	got := bccRecipients("host@example.com", []string{" Tanaka@Example.com", "", "HOST@example.com", "tanaka@example.com", "sato@example.com"}, nil)
	assert.Equal(t, []string{"tanaka@example.com", "sato@example.com"}, got)

	got = bccRecipients("host@example.com", []string{"guest(at)example", "sato@example.com"}, func(addr string) bool {
		return addr != "guest(at)example"
	})
	assert.Equal(t, []string{"sato@example.com"}, got)
}

func TestPipelineDeliversDespiteMalformedParticipantAddresses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ret.verified = append(h.ret.verified, "guest(at)example")

	payload := webhookPayload("transcript:occ-uuid==")
	meeting := payload.MeetingData.Source.(models.WebhookMeeting)
	meeting.Participants = append(meeting.Participants, models.ParticipantRef{Name: "ゲスト", Email: "guest(at)example"})
	payload.MeetingData.Source = meeting

	_, _, err := h.rt.EnqueueTranscript(ctx, payload)
	require.NoError(t, err)
	h.drain(t)

	rec, err := h.store.FindTranscript(ctx, "81234567890", meetingStart)
	require.NoError(t, err)
	dist, err := h.rt.Queue.GetJob(ctx, config.TopicDistribution, DistributionJobID(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, dist.Status, dist.FailedReason)

	require.Equal(t, 1, h.sender.count())
	msg := h.sender.sent[0]
	assert.Equal(t, []string{"host@example.com"}, msg.To)
	assert.Equal(t, []string{"tanaka@example.com"}, msg.Bcc)
}
