package transcript

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// SpeakerChangeDetector decides whether next was likely spoken by someone other
// than the speaker of prev. It is only consulted for unlabeled cues.
type SpeakerChangeDetector interface {
	Changed(prev, next Cue) bool
}

// GapDetector reports a change when the silence between cues exceeds Threshold.
type GapDetector struct {
	Threshold time.Duration
}

func (g GapDetector) Changed(prev, next Cue) bool {
	t := g.Threshold
	if t <= 0 {
		t = 3 * time.Second
	}
	return next.Start-prev.End > t
}

// RegisterDetector reports a change when the politeness register of Japanese
// sentence endings flips (です/ます against だ/よ/ね), or when a question is
// followed by a statement.
type RegisterDetector struct{}

type register int

const (
	registerUnknown register = iota
	registerFormal
	registerCasual
)

var (
	formalEndings = []string{"です", "ます", "ですね", "ですよ", "ますね", "ますよ", "ですよね", "ますよね", "でした", "ました", "ません", "ください", "でしょう", "ましょう"}
	casualEndings = []string{"だ", "だよ", "だね", "よ", "ね", "よね", "じゃん", "かな", "だろ"}
)

func (RegisterDetector) Changed(prev, next Cue) bool {
	if isQuestion(prev.Text) && !isQuestion(next.Text) {
		return true
	}
	a, b := registerOf(prev.Text), registerOf(next.Text)
	return a != registerUnknown && b != registerUnknown && a != b
}

func trimEnding(s string) string {
	return strings.TrimRightFunc(strings.TrimSpace(s), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || r == '〜' || r == 'ー'
	})
}

func isQuestion(s string) bool {
	t := strings.TrimSpace(s)
	if strings.HasSuffix(t, "?") || strings.HasSuffix(t, "？") {
		return true
	}
	return strings.HasSuffix(trimEnding(t), "か")
}

func registerOf(s string) register {
	t := trimEnding(s)
	for _, e := range formalEndings {
		if strings.HasSuffix(t, e) {
			return registerFormal
		}
	}
	for _, e := range casualEndings {
		if strings.HasSuffix(t, e) {
			return registerCasual
		}
	}
	return registerUnknown
}

// AnyOf reports a change when any of its detectors does.
type AnyOf []SpeakerChangeDetector

func (a AnyOf) Changed(prev, next Cue) bool {
	for _, d := range a {
		if d.Changed(prev, next) {
			return true
		}
	}
	return false
}

// DefaultDetector is the gap detector with a 3s threshold OR the register detector.
func DefaultDetector() SpeakerChangeDetector {
	return AnyOf{GapDetector{Threshold: 3 * time.Second}, RegisterDetector{}}
}

// Turn is a run of consecutive cues attributed to one speaker.
type Turn struct {
	Start   time.Duration
	Speaker string
	Text    string
}

// Stats describes how turns were built.
type Stats struct {
	SpeakerCount   int
	SegmentCount   int
	SpeakerChanges int
	LabeledRatio   float64
	NonTrivial     float64
}

// Quality weighs explicit speaker labels over merely having substantive text.
func (s Stats) Quality() float64 {
	return 0.7*s.LabeledRatio + 0.3*s.NonTrivial
}

// BuildTurns attributes every cue to a speaker and groups consecutive cues of
// the same speaker. Unlabeled cues alternate between "Speaker 1" and
// "Speaker 2" whenever detector reports a change.
func BuildTurns(cues []Cue, detector SpeakerChangeDetector) ([]Turn, Stats) {
	if detector == nil {
		detector = DefaultDetector()
	}
	stats := Stats{SegmentCount: len(cues)}
	if len(cues) == 0 {
		return nil, stats
	}

	anon := 1
	current := ""
	labeled, nonTrivial := 0, 0
	speakers := map[string]struct{}{}
	var turns []Turn
	for i, c := range cues {
		speaker := c.Speaker
		if speaker != "" {
			labeled++
		} else {
			switch {
			case i == 0 || current == "":
				speaker = anonLabel(anon)
			case detector.Changed(cues[i-1], c):
				if current == anonLabel(anon) {
					anon = 3 - anon
				}
				speaker = anonLabel(anon)
			default:
				speaker = current
			}
		}
		if !isTrivial(c.Text) {
			nonTrivial++
		}
		speakers[speaker] = struct{}{}
		if len(turns) > 0 && turns[len(turns)-1].Speaker == speaker {
			last := &turns[len(turns)-1]
			last.Text = joinText(last.Text, c.Text)
		} else {
			turns = append(turns, Turn{Start: c.Start, Speaker: speaker, Text: c.Text})
		}
		current = speaker
	}

	stats.SpeakerCount = len(speakers)
	stats.SpeakerChanges = len(turns) - 1
	stats.LabeledRatio = float64(labeled) / float64(len(cues))
	stats.NonTrivial = float64(nonTrivial) / float64(len(cues))
	return turns, stats
}

func anonLabel(n int) string {
	return fmt.Sprintf("Speaker %d", n)
}

var fillers = map[string]struct{}{
	"えー": {}, "えっと": {}, "あー": {}, "うん": {}, "はい": {}, "um": {}, "uh": {}, "ok": {}, "okay": {},
}

func isTrivial(text string) bool {
	t := strings.ToLower(trimEnding(text))
	if _, ok := fillers[t]; ok {
		return true
	}
	n := 0
	for _, r := range t {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n < 3
}

// joinText concatenates Japanese text directly and everything else with a space.
func joinText(a, b string) string {
	last, _ := utf8.DecodeLastRuneInString(a)
	first, _ := utf8.DecodeRuneInString(b)
	if isCJK(last) && isCJK(first) {
		return a + b
	}
	return a + " " + b
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) || (r >= 0x3000 && r <= 0x303f) || (r >= 0xff00 && r <= 0xffef)
}

// Format renders turns as "[HH:MM:SS] Speaker: text" lines.
func Format(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		total := int(t.Start / time.Second)
		fmt.Fprintf(&b, "[%02d:%02d:%02d] %s: %s", total/3600, (total/60)%60, total%60, t.Speaker, t.Text)
	}
	return b.String()
}
