package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states tracked by the queue.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusDelayed   = "delayed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Backoff kinds.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff describes the retry delay policy of a job.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Job is a unit of work owned by the queue. Workers lease one job at a time.
type Job struct {
	ID                 string          `json:"id"`
	Topic              string          `json:"topic"`
	Payload            json.RawMessage `json:"payload"`
	Status             string          `json:"status"`
	Attempts           int             `json:"attempts"`
	MaxAttempts        int             `json:"max_attempts"`
	Backoff            Backoff         `json:"backoff"`
	RetentionCompleted int             `json:"retention_completed"`
	RetentionFailed    int             `json:"retention_failed"`
	Progress           int             `json:"progress"`
	Stage              string          `json:"stage,omitempty"`
	Result             map[string]any  `json:"result,omitempty"`
	FailedReason       string          `json:"failed_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	NextRunAt          *time.Time      `json:"next_run_at,omitempty"`
}

// DecodePayload unmarshals the job payload into v.
func (j Job) DecodePayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// QueueCounts reports how many jobs of a topic sit in each state.
type QueueCounts struct {
	Topic     string `json:"topic"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}
