package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// SpeechResult is the text and segments returned by a speech-to-text service.
type SpeechResult struct {
	Text     string
	Duration float64
	Segments []SpeechSegment
}

// SpeechSegment is one timed segment of recognized speech.
type SpeechSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// Transcriber converts audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (SpeechResult, error)
}

// WhisperConfig configures a WhisperClient.
type WhisperConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Language   string
	HTTPClient *http.Client
}

// WhisperClient calls an OpenAI-compatible /audio/transcriptions endpoint.
type WhisperClient struct {
	cfg  WhisperConfig
	http *http.Client
}

// NewWhisperClient builds a WhisperClient.
func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhisperClient{cfg: cfg, http: hc}
}

type verboseTranscription struct {
	Text     string          `json:"text"`
	Duration float64         `json:"duration"`
	Segments []SpeechSegment `json:"segments"`
}

// Transcribe uploads audio and requests verbose JSON with segment timestamps.
// A 4xx response other than 429 is an ErrExtraction.
func (c *WhisperClient) Transcribe(ctx context.Context, filename string, audio []byte) (SpeechResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("transcribe: form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return SpeechResult{}, fmt.Errorf("transcribe: write audio: %w", err)
	}
	fields := [][2]string{
		{"model", c.cfg.Model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
	}
	if c.cfg.Language != "" {
		fields = append(fields, [2]string{"language", c.cfg.Language})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return SpeechResult{}, fmt.Errorf("transcribe: field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return SpeechResult{}, fmt.Errorf("transcribe: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("transcribe: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return SpeechResult{}, fmt.Errorf("%w: speech-to-text rejected audio (%d): %s", ErrExtraction, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return SpeechResult{}, fmt.Errorf("transcribe: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out verboseTranscription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SpeechResult{}, fmt.Errorf("transcribe: decode response: %w", err)
	}
	return SpeechResult{Text: out.Text, Duration: out.Duration, Segments: out.Segments}, nil
}
