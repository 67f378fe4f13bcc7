// Package minutes turns a raw transcript into structured meeting minutes using
// an OpenAI-compatible chat completion API.
package minutes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/telemetry"
)

// FallbackSummary replaces the summary when the model output cannot be parsed.
const FallbackSummary = "【自動要約に失敗しました】議事録の要約を生成できませんでした。文字起こし全文をご確認ください。"

// MaxInputRunes caps the transcript sent to the model.
const MaxInputRunes = 120_000

const systemPrompt = `あなたは会議の議事録作成アシスタントです。
与えられた文字起こしから議事録を作成し、次のキーを持つJSONオブジェクトのみを返してください:
"formattedTranscript" (話者ごとに整形した全文), "summary" (要約), "keyPoints" (文字列配列),
"actionItems" ({"task","assignee","due"} の配列), "keyDecisions" (文字列配列), "nextSteps" (文字列配列)。`

// Config configures the Generator.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// Generator produces MinutesResult values.
type Generator struct {
	cfg  Config
	http *http.Client
	log  logging.Logger
}

// NewGenerator builds a Generator.
func NewGenerator(cfg Config, log logging.Logger) *Generator {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Generator{cfg: cfg, http: hc, log: log}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Generate asks the model for minutes of transcript. Transport failures and
// non-200 responses are returned as errors. Output that is not usable JSON
// yields the raw output with FallbackSummary and a nil error.
func (g *Generator) Generate(ctx context.Context, info models.MeetingInfo, transcript string) (models.MinutesResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "minutes.generate")
	content, err := g.complete(ctx, buildPrompt(info, transcript))
	if err != nil {
		telemetry.EndSpan(span, err)
		return models.MinutesResult{}, err
	}
	telemetry.EndSpan(span, nil)

	result, ok := Parse(content)
	if !ok {
		telemetry.SummaryFallbacks.Inc()
		g.log.Warn("minutes output unparsable, using fallback summary",
			logging.F("meeting_id", info.MeetingID), logging.F("output_chars", utf8.RuneCountInString(content)))
		return models.MinutesResult{FormattedTranscript: content, Summary: FallbackSummary}, nil
	}
	return result, nil
}

// Parse extracts minutes from model output, tolerating markdown code fences.
// It reports false when the output is not JSON or has neither a transcript nor
// a summary.
func Parse(content string) (models.MinutesResult, bool) {
	var out models.MinutesResult
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return models.MinutesResult{}, false
	}
	if strings.TrimSpace(out.FormattedTranscript) == "" && strings.TrimSpace(out.Summary) == "" {
		return models.MinutesResult{}, false
	}
	return out, true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func buildPrompt(info models.MeetingInfo, transcript string) string {
	if utf8.RuneCountInString(transcript) > MaxInputRunes {
		transcript = string([]rune(transcript)[:MaxInputRunes])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "会議名: %s\n", info.Topic)
	if !info.StartTime.IsZero() {
		fmt.Fprintf(&b, "開始日時: %s\n", info.StartTime.Format(time.RFC3339))
	}
	if info.DurationMinutes > 0 {
		fmt.Fprintf(&b, "所要時間: %d分\n", info.DurationMinutes)
	}
	if len(info.Participants) > 0 {
		names := make([]string, 0, len(info.Participants))
		for _, p := range info.Participants {
			if p.Name != "" {
				names = append(names, p.Name)
			} else if p.Email != "" {
				names = append(names, p.Email)
			}
		}
		fmt.Fprintf(&b, "参加者: %s\n", strings.Join(names, "、"))
	}
	b.WriteString("\n文字起こし:\n")
	b.WriteString(transcript)
	return b.String()
}

func (g *Generator) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("minutes: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("minutes: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("minutes: request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("minutes: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("minutes: HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}
	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("minutes: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("minutes: no choices in response")
	}
	return chat.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
