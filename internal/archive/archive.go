// Package archive keeps copies of caption sources and final transcripts in S3
// or on the local filesystem.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/models"
)

// Uploader stores one object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// LocalUploader writes objects under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds an uploader for bucket. endpoint and pathStyle support
// S3-compatible stores such as MinIO.
func NewS3Uploader(ctx context.Context, region, endpoint, bucket string, pathStyle bool) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3UploaderFromConfig(awsCfg, endpoint, bucket, pathStyle), nil
}

// NewS3UploaderFromConfig builds an uploader from an existing aws.Config.
func NewS3UploaderFromConfig(awsCfg aws.Config, endpoint, bucket string, pathStyle bool) *S3Uploader {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3Uploader{client: client, bucket: bucket}
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Archiver lays out transcript artifacts by tenant, meeting and occurrence.
type Archiver struct {
	up Uploader
}

// NewArchiver wraps up. A nil uploader gives a disabled archiver.
func NewArchiver(up Uploader) *Archiver {
	return &Archiver{up: up}
}

// FromConfig picks S3 when ARCHIVE_BUCKET is set, the local directory when
// ARCHIVE_DIR is set, and otherwise returns a disabled archiver.
func FromConfig(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArchiveBucket != "":
		up, err := NewS3Uploader(ctx, cfg.AWSRegion, cfg.ArchiveEndpoint, cfg.ArchiveBucket, cfg.ArchivePathStyle)
		if err != nil {
			return nil, err
		}
		return NewArchiver(up), nil
	case cfg.ArchiveDir != "":
		return NewArchiver(&LocalUploader{BaseDir: cfg.ArchiveDir}), nil
	default:
		return NewArchiver(nil), nil
	}
}

// Enabled reports whether uploads go anywhere.
func (a *Archiver) Enabled() bool {
	return a != nil && a.up != nil
}

// Prefix is the object key prefix of one occurrence.
func Prefix(rec models.TranscriptRecord) string {
	return strings.Join([]string{
		safeSegment(rec.TenantID),
		safeSegment(rec.MeetingID),
		rec.StartTime.UTC().Format("20060102T150405Z"),
	}, "/")
}

// Store uploads the caption source (when present) and the final transcript.
// It returns the locations written and the first error encountered.
func (a *Archiver) Store(ctx context.Context, rec models.TranscriptRecord, captionSource []byte) ([]string, error) {
	if !a.Enabled() {
		return nil, nil
	}
	prefix := Prefix(rec)
	var locations []string
	var errs []error
	if len(captionSource) > 0 {
		loc, err := a.up.Upload(ctx, prefix+"/caption.vtt", captionSource, "text/vtt; charset=utf-8")
		if err != nil {
			errs = append(errs, fmt.Errorf("archive caption: %w", err))
		} else {
			locations = append(locations, loc)
		}
	}
	body := rec.FormattedTranscript
	if body == "" {
		body = rec.RawTranscript
	}
	loc, err := a.up.Upload(ctx, prefix+"/transcript.txt", []byte(body), "text/plain; charset=utf-8")
	if err != nil {
		errs = append(errs, fmt.Errorf("archive transcript: %w", err))
	} else {
		locations = append(locations, loc)
	}
	return locations, errors.Join(errs...)
}

func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '?', '#', '%':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
