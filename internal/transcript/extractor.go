package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/telemetry"
)

// ErrArtifactTooLarge marks an artifact past its download limit. Fetch
// functions wrap it so the extractor can tell it from a transient failure.
var ErrArtifactTooLarge = errors.New("transcript: artifact exceeds size limit")

// Artifact is a downloadable recording file.
type Artifact struct {
	Name  string
	Fetch func(ctx context.Context, limit int64) ([]byte, error)
}

// Sources are the artifacts available for one recording. Either may be nil.
type Sources struct {
	Caption *Artifact
	Audio   *Artifact
}

// Limits bound artifact downloads.
type Limits struct {
	MaxCaptionBytes int64
	MaxAudioBytes   int64
}

// Result is an extracted transcript.
type Result struct {
	// Text is the speaker-attributed transcript, one turn per line.
	Text    string
	Turns   []Turn
	Metrics models.ExtractionMetrics
	// CaptionSource is the caption file as downloaded, nil for speech-to-text.
	CaptionSource []byte
}

// Extractor prefers captions and falls back to speech-to-text.
type Extractor struct {
	stt      Transcriber
	detector SpeakerChangeDetector
	limits   Limits
	log      logging.Logger
}

// NewExtractor builds an Extractor. A nil detector uses DefaultDetector.
func NewExtractor(stt Transcriber, detector SpeakerChangeDetector, limits Limits, log logging.Logger) *Extractor {
	if detector == nil {
		detector = DefaultDetector()
	}
	if limits.MaxCaptionBytes <= 0 {
		limits.MaxCaptionBytes = 10 << 20
	}
	if limits.MaxAudioBytes <= 0 {
		limits.MaxAudioBytes = 25_000_000
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Extractor{stt: stt, detector: detector, limits: limits, log: log}
}

// Extract produces a transcript from src. A usable caption always wins over
// audio. Only a malformed or oversized caption falls back to speech-to-text;
// any other caption download error is returned as is so the job retries.
// When neither artifact yields text the error wraps ErrExtraction.
func (e *Extractor) Extract(ctx context.Context, src Sources) (Result, error) {
	var captionErr error
	if src.Caption != nil {
		res, err := e.fromCaption(ctx, src.Caption)
		if err == nil {
			e.observe(res.Metrics)
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !captionUnusable(err) {
			return Result{}, err
		}
		captionErr = err
		e.log.Warn("caption unusable, falling back to speech-to-text", logging.Err(err), logging.F("artifact", src.Caption.Name))
	}

	if src.Audio == nil {
		if captionErr != nil {
			if errors.Is(captionErr, ErrExtraction) {
				return Result{}, captionErr
			}
			return Result{}, fmt.Errorf("%w: caption failed and no audio artifact: %v", ErrExtraction, captionErr)
		}
		return Result{}, fmt.Errorf("%w: no caption or audio artifact", ErrExtraction)
	}
	if e.stt == nil {
		return Result{}, fmt.Errorf("%w: speech-to-text is not configured", ErrExtraction)
	}
	res, err := e.fromAudio(ctx, src.Audio)
	if err != nil {
		return Result{}, err
	}
	if captionErr != nil {
		res.Metrics.CaptionError = captionErr.Error()
	}
	e.observe(res.Metrics)
	return res, nil
}

func captionUnusable(err error) bool {
	return errors.Is(err, ErrExtraction) || errors.Is(err, ErrArtifactTooLarge)
}

func (e *Extractor) observe(m models.ExtractionMetrics) {
	telemetry.Extractions.WithLabelValues(m.Method).Inc()
	telemetry.ExtractionQuality.WithLabelValues(m.Method).Observe(m.QualityScore)
}

func (e *Extractor) fromCaption(ctx context.Context, a *Artifact) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "transcript.caption", attribute.String("artifact", a.Name))
	data, err := a.Fetch(ctx, e.limits.MaxCaptionBytes)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Result{}, fmt.Errorf("download caption: %w", err)
	}
	cues, err := ParseVTT(data)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Result{}, err
	}
	turns, stats := BuildTurns(cues, e.detector)
	telemetry.EndSpan(span, nil)
	return Result{
		Text:  Format(turns),
		Turns: turns,
		Metrics: models.ExtractionMetrics{
			Method:         models.MethodCaption,
			QualityScore:   round3(stats.Quality()),
			SpeakerCount:   stats.SpeakerCount,
			SegmentCount:   stats.SegmentCount,
			SpeakerChanges: stats.SpeakerChanges,
			LabeledRatio:   round3(stats.LabeledRatio),
			CaptionBytes:   len(data),
		},
		CaptionSource: data,
	}, nil
}

func (e *Extractor) fromAudio(ctx context.Context, a *Artifact) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "transcript.speech_to_text", attribute.String("artifact", a.Name))
	audio, err := a.Fetch(ctx, e.limits.MaxAudioBytes)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Result{}, fmt.Errorf("download audio: %w", err)
	}
	speech, err := e.stt.Transcribe(ctx, a.Name, audio)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Result{}, err
	}

	cues := make([]Cue, 0, len(speech.Segments))
	var confidence float64
	for _, s := range speech.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		cues = append(cues, Cue{
			Start: secondsToDuration(s.Start),
			End:   secondsToDuration(s.End),
			Text:  text,
		})
		confidence += 1 - s.NoSpeechProb
	}
	if len(cues) == 0 && strings.TrimSpace(speech.Text) != "" {
		cues = append(cues, Cue{End: secondsToDuration(speech.Duration), Text: strings.TrimSpace(speech.Text)})
		confidence = 1
	}
	if len(cues) == 0 {
		err := fmt.Errorf("%w: speech-to-text returned no text", ErrExtraction)
		telemetry.EndSpan(span, err)
		return Result{}, err
	}

	turns, stats := BuildTurns(cues, e.detector)
	telemetry.EndSpan(span, nil)
	return Result{
		Text:  Format(turns),
		Turns: turns,
		Metrics: models.ExtractionMetrics{
			Method:         models.MethodSpeechToText,
			QualityScore:   round3(confidence / float64(len(cues))),
			SpeakerCount:   stats.SpeakerCount,
			SegmentCount:   stats.SegmentCount,
			SpeakerChanges: stats.SpeakerChanges,
			LabeledRatio:   round3(stats.LabeledRatio),
			AudioSeconds:   speech.Duration,
		},
	}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
