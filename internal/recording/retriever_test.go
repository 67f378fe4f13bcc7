package recording

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/vault"
)

type staticCreds map[string]vault.Credentials

func (s staticCreds) GetCredentials(_ context.Context, tenantID string) (vault.Credentials, error) {
	c, ok := s[tenantID]
	if !ok {
		return vault.Credentials{}, vault.ErrNoCredentials
	}
	return c, nil
}

type providerStub struct {
	srv         *httptest.Server
	tokenCalls  int32
	rejectToken bool
	files       []File
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	p := &providerStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		id, secret, ok := r.BasicAuth()
		if p.rejectToken || !ok || id != "cid" || secret != "csecret" || r.Form.Get("grant_type") != "account_credentials" || r.Form.Get("account_id") != "acct" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"reason":"Invalid client_id or client_secret","error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v2/meetings/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Meeting{
			ID:             "81234567890",
			UUID:           "4444AAAiAAAAAiAiAiiAii==",
			Topic:          "週次定例",
			StartTime:      "2024-05-01T01:00:00Z",
			Duration:       47,
			HostEmail:      "host@example.com",
			RecordingFiles: p.files,
		})
	})
	mux.HandleFunc("/v2/past_meetings/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("next_page_token") == "" {
			_, _ = w.Write([]byte(`{"next_page_token":"p2","participants":[
				{"name":"上辻としゆき","user_email":"Host@Example.com"},
				{"name":"田中太郎","user_email":"tanaka@example.com"},
				{"name":"dial-in"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"next_page_token":"","participants":[{"name":"田中太郎","user_email":"TANAKA@example.com"},{"name":"佐藤","email":"sato@example.com"}]}`))
	})
	mux.HandleFunc("/download/caption.vtt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("WEBVTT\n\n1\n00:00:01.000 --> 00:00:02.000\n田中太郎: こんにちは\n"))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	p.files = []File{
		{FileType: "MP4", Status: "completed", DownloadURL: p.srv.URL + "/download/video.mp4", RecordingStart: "2024-05-01T01:00:00Z", RecordingEnd: "2024-05-01T01:45:00Z"},
		{FileType: "M4A", Status: "completed", DownloadURL: p.srv.URL + "/download/audio.m4a", RecordingStart: "2024-05-01T01:00:00Z", RecordingEnd: "2024-05-01T01:45:00Z"},
		{FileType: "TRANSCRIPT", FileExtension: "VTT", Status: "completed", DownloadURL: p.srv.URL + "/download/caption.vtt", RecordingStart: "2024-05-01T01:00:00Z", RecordingEnd: "2024-05-01T01:45:00Z"},
	}
	return p
}

func newTestRetriever(t *testing.T, p *providerStub) *Retriever {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := NewClient(ClientConfig{
		BaseURL:    p.srv.URL + "/v2",
		TokenURL:   p.srv.URL + "/oauth/token",
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Redis:      rdb,
	})
	creds := staticCreds{"tenant-a": {TenantID: "tenant-a", ClientID: "cid", ClientSecret: "csecret", AccountID: "acct"}}
	return NewRetriever(creds, client, nil, nil)
}

func TestRetrieveClassifiesAndDerivesInfo(t *testing.T) {
	ctx := context.Background()
	p := newProviderStub(t)
	r := newTestRetriever(t, p)

	rec, err := r.Retrieve(ctx, "tenant-a", models.MeetingInfo{MeetingID: "81234567890", UUID: "4444AAAiAAAAAiAiAiiAii=="})
	require.NoError(t, err)
	require.NotNil(t, rec.Artifacts.Caption)
	require.NotNil(t, rec.Artifacts.Audio)
	require.NotNil(t, rec.Artifacts.Video)
	assert.Equal(t, "TRANSCRIPT", rec.Artifacts.Caption.FileType)
	assert.Equal(t, 45, rec.Info.DurationMinutes)
	assert.Equal(t, "host@example.com", rec.Info.HostEmail)
	require.Len(t, rec.Info.Participants, 1)
	assert.Equal(t, models.SourceHost, rec.Info.Participants[0].Source)

	data, err := r.Download(ctx, rec, rec.Artifacts.Caption, 1024)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "WEBVTT"))

	_, err = r.Download(ctx, rec, rec.Artifacts.Caption, 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	// token exchanged once, then served from redis
	assert.EqualValues(t, 1, atomic.LoadInt32(&p.tokenCalls))
}

func TestRetrieveWithoutUsableArtifacts(t *testing.T) {
	p := newProviderStub(t)
	p.files = []File{{FileType: "MP4", Status: "completed", DownloadURL: p.srv.URL + "/download/video.mp4"}}
	r := newTestRetriever(t, p)

	_, err := r.Retrieve(context.Background(), "tenant-a", models.MeetingInfo{MeetingID: "81234567890"})
	assert.ErrorIs(t, err, ErrNoArtifacts)
}

func TestRetrieveAuthFailureIsTerminal(t *testing.T) {
	p := newProviderStub(t)
	p.rejectToken = true
	r := newTestRetriever(t, p)

	_, err := r.Retrieve(context.Background(), "tenant-a", models.MeetingInfo{MeetingID: "81234567890"})
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = r.Retrieve(context.Background(), "unknown-tenant", models.MeetingInfo{MeetingID: "81234567890"})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestVerifiedParticipantEmailsFollowsPages(t *testing.T) {
	p := newProviderStub(t)
	r := newTestRetriever(t, p)

	emails, err := r.VerifiedParticipantEmails(context.Background(), "tenant-a", "4444AAAiAAAAAiAiAiiAii==")
	require.NoError(t, err)
	assert.Equal(t, []string{"host@example.com", "tanaka@example.com", "sato@example.com"}, emails)
}

func TestClassifySkipsIncompleteFiles(t *testing.T) {
	arts := Classify([]File{
		{FileType: "CC", Status: "completed", DownloadURL: "https://x/cc"},
		{FileType: "TRANSCRIPT", Status: "processing", DownloadURL: "https://x/t"},
		{FileType: "M4A", Status: "completed"},
	})
	require.NotNil(t, arts.Caption)
	assert.Equal(t, "CC", arts.Caption.FileType)
	assert.Nil(t, arts.Audio)
	assert.True(t, arts.Usable())
}

func TestNormalizeMeetingID(t *testing.T) {
	assert.Equal(t, "81234567890", NormalizeMeetingID("８１２ 3456-7890"))
	assert.Equal(t, "81234567890", NormalizeMeetingID(" 812-3456-7890 "))
	assert.Equal(t, "abc/def==", NormalizeMeetingID("abc/def=="))
}

func TestEncodeUUID(t *testing.T) {
	assert.Equal(t, "abc%2Fdef==", EncodeUUID("abc/def=="))
	assert.Equal(t, "%252Fabc==", EncodeUUID("/abc=="))
	assert.Equal(t, "ab%252F%252Fc", EncodeUUID("ab//c"))
}
