package recording

import (
	"math"
	"strings"
	"time"

	"meeting-transcript-pipeline/internal/models"
)

// File is one entry of a meeting's recording_files list.
type File struct {
	ID             string `json:"id"`
	FileType       string `json:"file_type"`
	FileExtension  string `json:"file_extension"`
	RecordingType  string `json:"recording_type"`
	Status         string `json:"status"`
	DownloadURL    string `json:"download_url"`
	RecordingStart string `json:"recording_start"`
	RecordingEnd   string `json:"recording_end"`
	FileSize       int64  `json:"file_size"`
}

// Meeting is the recordings listing of one meeting occurrence.
type Meeting struct {
	ID             models.FlexibleID `json:"id"`
	UUID           string            `json:"uuid"`
	Topic          string            `json:"topic"`
	StartTime      string            `json:"start_time"`
	Duration       int               `json:"duration"`
	HostID         string            `json:"host_id"`
	HostEmail      string            `json:"host_email"`
	RecordingFiles []File            `json:"recording_files"`
}

// Artifacts are the classified files of a recording. Any of them may be nil.
type Artifacts struct {
	Caption *File
	Audio   *File
	Video   *File
}

// Usable reports whether the transcript can be produced from these artifacts.
func (a Artifacts) Usable() bool {
	return a.Caption != nil || a.Audio != nil
}

// Classify picks the caption, audio and video files out of a listing. Files
// that are not completed are ignored. A TRANSCRIPT file wins over a CC file.
func Classify(files []File) Artifacts {
	var out Artifacts
	for i := range files {
		f := &files[i]
		if f.Status != "" && !strings.EqualFold(f.Status, "completed") {
			continue
		}
		if f.DownloadURL == "" {
			continue
		}
		switch strings.ToUpper(f.FileType) {
		case "TRANSCRIPT":
			out.Caption = f
		case "CC":
			if out.Caption == nil {
				out.Caption = f
			}
		case "M4A":
			if out.Audio == nil {
				out.Audio = f
			}
		case "MP4":
			if out.Video == nil {
				out.Video = f
			}
		}
	}
	return out
}

// DeriveMeetingInfo builds MeetingInfo from a listing. Duration comes from the
// earliest artifact start to the latest artifact end; the host is added as a
// participant.
func DeriveMeetingInfo(m Meeting) models.MeetingInfo {
	info := models.MeetingInfo{
		MeetingID:       string(m.ID),
		UUID:            m.UUID,
		Topic:           m.Topic,
		DurationMinutes: m.Duration,
		HostEmail:       m.HostEmail,
		HostID:          m.HostID,
	}
	if t, err := time.Parse(time.RFC3339, m.StartTime); err == nil {
		info.StartTime = t.UTC()
	}

	var first, last time.Time
	for _, f := range m.RecordingFiles {
		start, err1 := time.Parse(time.RFC3339, f.RecordingStart)
		end, err2 := time.Parse(time.RFC3339, f.RecordingEnd)
		if err1 != nil || err2 != nil || end.Before(start) {
			continue
		}
		if first.IsZero() || start.Before(first) {
			first = start
		}
		if end.After(last) {
			last = end
		}
	}
	if !first.IsZero() {
		info.DurationMinutes = int(math.Round(last.Sub(first).Minutes()))
		if info.StartTime.IsZero() {
			info.StartTime = first.UTC()
		}
	}

	if m.HostEmail != "" {
		info.Participants = append(info.Participants, models.Participant{
			Name:   m.HostEmail,
			Email:  m.HostEmail,
			Source: models.SourceHost,
		})
	}
	return info
}
