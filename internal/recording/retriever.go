// Package recording retrieves recording artifacts and meeting details from the
// video-conference provider on behalf of a tenant.
package recording

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/vault"
)

// CredentialSource resolves decrypted tenant credentials.
type CredentialSource interface {
	GetCredentials(ctx context.Context, tenantID string) (vault.Credentials, error)
}

// Limiter throttles provider calls per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Recording is a retrieved meeting occurrence with its classified artifacts.
type Recording struct {
	TenantID  string
	Info      models.MeetingInfo
	Artifacts Artifacts
}

// Retriever combines the vault, the provider client and the per-tenant limiter.
type Retriever struct {
	creds   CredentialSource
	client  *Client
	limiter Limiter
	log     logging.Logger
}

// NewRetriever builds a Retriever. limiter may be nil.
func NewRetriever(creds CredentialSource, client *Client, limiter Limiter, log logging.Logger) *Retriever {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Retriever{creds: creds, client: client, limiter: limiter, log: log}
}

// Retrieve lists the recording of the occurrence described by info and derives
// its MeetingInfo. The occurrence UUID is preferred over the meeting id.
func (r *Retriever) Retrieve(ctx context.Context, tenantID string, info models.MeetingInfo) (Recording, error) {
	ctx, span := telemetry.StartSpan(ctx, "recording.retrieve")
	ref := info.UUID
	if ref == "" {
		ref = info.MeetingID
	}
	if ref == "" {
		err := fmt.Errorf("%w: meeting id and uuid are empty", ErrNoArtifacts)
		telemetry.EndSpan(span, err)
		return Recording{}, err
	}

	var meeting Meeting
	err := r.withToken(ctx, tenantID, func(token string) error {
		var err error
		meeting, err = r.client.ListRecordings(ctx, token, ref)
		return err
	})
	if err != nil {
		telemetry.EndSpan(span, err)
		return Recording{}, err
	}

	arts := Classify(meeting.RecordingFiles)
	if !arts.Usable() {
		err := fmt.Errorf("%w: meeting %s has %d files, none caption or audio", ErrNoArtifacts, ref, len(meeting.RecordingFiles))
		telemetry.EndSpan(span, err)
		return Recording{}, err
	}
	telemetry.EndSpan(span, nil)
	return Recording{TenantID: tenantID, Info: DeriveMeetingInfo(meeting), Artifacts: arts}, nil
}

// Download fetches one artifact of rec.
func (r *Retriever) Download(ctx context.Context, rec Recording, f *File, limit int64) ([]byte, error) {
	if f == nil {
		return nil, ErrNoArtifacts
	}
	var data []byte
	err := r.withToken(ctx, rec.TenantID, func(token string) error {
		var err error
		data, err = r.client.Download(ctx, token, f.DownloadURL, limit)
		return err
	})
	return data, err
}

// VerifiedParticipantEmails returns the lower-cased, de-duplicated participant
// emails of a past occurrence.
func (r *Retriever) VerifiedParticipantEmails(ctx context.Context, tenantID, meetingUUID string) ([]string, error) {
	if meetingUUID == "" {
		return nil, errors.New("recording: meeting uuid required for participant lookup")
	}
	var list []ParticipantEmail
	err := r.withToken(ctx, tenantID, func(token string) error {
		var err error
		list, err = r.client.ParticipantEmails(ctx, token, meetingUUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, p := range list {
		email := strings.ToLower(strings.TrimSpace(p.Email))
		if _, dup := seen[email]; dup || email == "" {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out, nil
}

// withToken runs call with a tenant token. A rejected cached token is dropped
// and the call is tried once more with a fresh one.
func (r *Retriever) withToken(ctx context.Context, tenantID string, call func(token string) error) error {
	creds, err := r.creds.GetCredentials(ctx, tenantID)
	if err != nil {
		if errors.Is(err, vault.ErrNoCredentials) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return err
	}
	for attempt := 0; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx, tenantID); err != nil {
				return fmt.Errorf("recording: rate limit wait: %w", err)
			}
		}
		token, err := r.client.Token(ctx, creds)
		if err != nil {
			return err
		}
		err = call(token)
		if err != nil && errors.Is(err, ErrAuthFailed) && attempt == 0 {
			r.log.Warn("provider rejected token, refreshing", logging.F("tenant_id", tenantID))
			r.client.ForgetToken(ctx, tenantID)
			continue
		}
		return err
	}
}
