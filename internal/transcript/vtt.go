// Package transcript turns recording artifacts into speaker-attributed text.
// Captions are parsed directly; audio goes through a speech-to-text service.
package transcript

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrExtraction means no transcript could be produced from the artifacts.
var ErrExtraction = errors.New("transcript: extraction failed")

// Cue is one timed piece of text. Speaker is empty when the source had no label.
type Cue struct {
	Start   time.Duration
	End     time.Duration
	Speaker string
	Text    string
}

var (
	// 00:00:05.579 --> 00:00:06.858, hours optional
	timingRe = regexp.MustCompile(`^((?:\d{1,2}:)?\d{2}:\d{2}[.,]\d{3})\s+-->\s+((?:\d{1,2}:)?\d{2}:\d{2}[.,]\d{3})`)
	voiceRe  = regexp.MustCompile(`^<v(?:\.[^\s>]+)*\s+([^>]+)>`)
	tagRe    = regexp.MustCompile(`</?[^>]+>`)
	labelRe  = regexp.MustCompile(`^([^:：。、!?！？]{1,40}?)\s*[:：]\s*(.+)$`)
	schemeRe = regexp.MustCompile(`(?i)(?:^|[^a-z])(?:https?|ftp|mailto)$`)
)

// ParseVTT parses a WebVTT document into cues. A missing WEBVTT header or a
// document without any text cue is an ErrExtraction.
func ParseVTT(data []byte) ([]Cue, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var blocks [][]string
	var cur []string
	headerSeen := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !headerSeen {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if line != "WEBVTT" && !strings.HasPrefix(line, "WEBVTT ") && !strings.HasPrefix(line, "WEBVTT\t") {
				return nil, fmt.Errorf("%w: malformed WEBVTT header", ErrExtraction)
			}
			headerSeen = true
			// header block runs until the first blank line
			cur = []string{line}
			continue
		}
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				blocks = append(blocks, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read caption: %v", ErrExtraction, err)
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	if !headerSeen {
		return nil, fmt.Errorf("%w: empty caption", ErrExtraction)
	}

	var cues []Cue
	for i, b := range blocks {
		if i == 0 && strings.HasPrefix(b[0], "WEBVTT") {
			continue
		}
		first := strings.TrimSpace(b[0])
		if strings.HasPrefix(first, "NOTE") || first == "STYLE" || first == "REGION" {
			continue
		}
		cue, ok := parseCueBlock(b)
		if ok {
			cues = append(cues, cue)
		}
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("%w: caption has no cues", ErrExtraction)
	}
	return cues, nil
}

func parseCueBlock(lines []string) (Cue, bool) {
	timing := -1
	for i, l := range lines {
		if strings.Contains(l, "-->") {
			timing = i
			break
		}
	}
	if timing < 0 {
		return Cue{}, false
	}
	m := timingRe.FindStringSubmatch(strings.TrimSpace(lines[timing]))
	if m == nil {
		return Cue{}, false
	}
	start, err1 := parseTimestamp(m[1])
	end, err2 := parseTimestamp(m[2])
	if err1 != nil || err2 != nil {
		return Cue{}, false
	}

	text := strings.TrimSpace(strings.Join(lines[timing+1:], " "))
	speaker := ""
	if vm := voiceRe.FindStringSubmatch(text); vm != nil {
		speaker = vm[1]
		text = text[len(vm[0]):]
	}
	text = strings.TrimSpace(tagRe.ReplaceAllString(text, ""))
	if speaker == "" {
		if label, rest, ok := splitLabel(text); ok {
			speaker = label
			text = rest
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Cue{}, false
	}
	return Cue{Start: start, End: end, Speaker: normalizeSpeaker(speaker), Text: text}, true
}

// splitLabel reads a "Name: text" prefix. Colons inside clock times such as
// 10:30 and in URLs are part of the sentence, not a label separator.
func splitLabel(text string) (string, string, bool) {
	m := labelRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	label, rest := m[1], m[2]
	lastLabel, _ := utf8.DecodeLastRuneInString(label)
	firstRest, _ := utf8.DecodeRuneInString(rest)
	switch {
	case unicode.IsDigit(lastLabel) && unicode.IsDigit(firstRest):
		return "", "", false
	case firstRest == '/':
		return "", "", false
	case schemeRe.MatchString(label):
		return "", "", false
	}
	return label, rest, true
}

func normalizeSpeaker(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// parseTimestamp accepts HH:MM:SS.mmm and MM:SS.mmm.
func parseTimestamp(ts string) (time.Duration, error) {
	ts = strings.Replace(ts, ",", ".", 1)
	parts := strings.Split(ts, ":")
	var h, m int
	var secPart string
	var err error
	switch len(parts) {
	case 3:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, err
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return 0, err
		}
		secPart = parts[2]
	case 2:
		if m, err = strconv.Atoi(parts[0]); err != nil {
			return 0, err
		}
		secPart = parts[1]
	default:
		return 0, fmt.Errorf("bad timestamp %q", ts)
	}
	sec, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)).Round(time.Millisecond), nil
}
