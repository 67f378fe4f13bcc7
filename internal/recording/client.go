package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"meeting-transcript-pipeline/internal/vault"
)

// Sentinel errors. ErrAuthFailed and ErrNoArtifacts are terminal for a job.
var (
	ErrAuthFailed  = errors.New("recording: provider authentication failed")
	ErrNoArtifacts = errors.New("recording: no usable recording artifact")
	ErrTooLarge    = errors.New("recording: artifact exceeds size limit")
)

// StatusError is a non-2xx provider response that is worth retrying.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("recording: %s: provider returned %d: %s", e.Op, e.Status, e.Body)
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
	// Redis caches access tokens across workers. Nil disables the shared cache.
	Redis *redis.Client
}

// Client talks to the provider's recordings and past-meetings APIs.
type Client struct {
	baseURL  string
	tokenURL string
	http     *http.Client
	redis    *redis.Client
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL: cfg.TokenURL,
		http:     hc,
		redis:    cfg.Redis,
	}
}

func tokenKey(tenantID string) string {
	return "provider:token:" + tenantID
}

// Token returns an access token for the tenant's server-to-server app, using the
// shared cache while the token is fresh.
func (c *Client) Token(ctx context.Context, creds vault.Credentials) (string, error) {
	if c.redis != nil {
		if tok, err := c.redis.Get(ctx, tokenKey(creds.TenantID)).Result(); err == nil && tok != "" {
			return tok, nil
		}
	}
	conf := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     c.tokenURL,
		EndpointParams: url.Values{
			"grant_type": {"account_credentials"},
			"account_id": {creds.AccountID},
		},
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	tok, err := conf.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500 && rerr.Response.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: tenant %s: %v", ErrAuthFailed, creds.TenantID, err)
		}
		return "", fmt.Errorf("recording: token exchange: %w", err)
	}
	if c.redis != nil {
		ttl := time.Until(tok.Expiry) - time.Minute
		if tok.Expiry.IsZero() {
			ttl = 50 * time.Minute
		}
		if ttl > 0 {
			_ = c.redis.Set(ctx, tokenKey(creds.TenantID), tok.AccessToken, ttl).Err()
		}
	}
	return tok.AccessToken, nil
}

// ForgetToken drops the cached token, used after the provider rejects it.
func (c *Client) ForgetToken(ctx context.Context, tenantID string) {
	if c.redis != nil {
		_ = c.redis.Del(ctx, tokenKey(tenantID)).Err()
	}
}

// ListRecordings fetches the recordings of a meeting. meetingRef is either a
// numeric meeting id or an occurrence UUID.
func (c *Client) ListRecordings(ctx context.Context, token, meetingRef string) (Meeting, error) {
	ref := NormalizeMeetingID(meetingRef)
	if !isNumeric(ref) {
		ref = EncodeUUID(meetingRef)
	}
	var m Meeting
	if err := c.getJSON(ctx, "list recordings", token, c.baseURL+"/meetings/"+ref+"/recordings", &m); err != nil {
		return Meeting{}, err
	}
	return m, nil
}

type participantsPage struct {
	NextPageToken string `json:"next_page_token"`
	Participants  []struct {
		Name      string `json:"name"`
		UserEmail string `json:"user_email"`
		Email     string `json:"email"`
	} `json:"participants"`
}

// ParticipantEmails lists the emails of a past meeting's participants, walking
// every page.
func (c *Client) ParticipantEmails(ctx context.Context, token, meetingUUID string) ([]ParticipantEmail, error) {
	var out []ParticipantEmail
	next := ""
	for page := 0; page < 50; page++ {
		q := url.Values{"page_size": {"300"}}
		if next != "" {
			q.Set("next_page_token", next)
		}
		var p participantsPage
		endpoint := c.baseURL + "/past_meetings/" + EncodeUUID(meetingUUID) + "/participants?" + q.Encode()
		if err := c.getJSON(ctx, "list participants", token, endpoint, &p); err != nil {
			return nil, err
		}
		for _, pt := range p.Participants {
			email := pt.UserEmail
			if email == "" {
				email = pt.Email
			}
			if email == "" {
				continue
			}
			out = append(out, ParticipantEmail{Name: pt.Name, Email: email})
		}
		if p.NextPageToken == "" {
			return out, nil
		}
		next = p.NextPageToken
	}
	return out, nil
}

// ParticipantEmail is a participant with a verified address.
type ParticipantEmail struct {
	Name  string
	Email string
}

// Download fetches an artifact, failing with ErrTooLarge past limit bytes.
func (c *Client) Download(ctx context.Context, token, downloadURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("recording: build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recording: download: %w", err)
	}
	defer resp.Body.Close()
	if err := statusErr("download", resp); err != nil {
		return nil, err
	}
	if limit > 0 && resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, resp.ContentLength, limit)
	}
	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("recording: read download: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, op, token, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("recording: build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recording: %s: %w", op, err)
	}
	defer resp.Body.Close()
	if err := statusErr(op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("recording: decode %s: %w", op, err)
	}
	return nil
}

func statusErr(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", ErrAuthFailed, op, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s returned 404", ErrNoArtifacts, op)
	}
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
