package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/pipeline"
	"meeting-transcript-pipeline/internal/webhook"
)

func newEnqueueCmd(d *deps) *cobra.Command {
	var (
		tenant    string
		meeting   models.ProviderMeeting
		startTime string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <meeting-id>",
		Short: "Queue a transcript job for a recorded meeting",
		Long: `Queue a transcript job without a webhook, for example to reprocess a
meeting. Details not given here are looked up from the provider.

Examples:
  pipelinectl enqueue 81234567890 --tenant acme --uuid 'occ-uuid=='
  pipelinectl enqueue 81234567890 --tenant acme --start 2024-05-01T10:00:00+09:00`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meeting.MeetingID = args[0]
			if startTime != "" {
				t, err := time.Parse(time.RFC3339, startTime)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				meeting.StartTime = t.UTC().Format(time.RFC3339)
			}
			payload := models.TranscriptJobPayload{
				TenantID:    tenant,
				MeetingData: models.MeetingData{Source: meeting},
			}
			if meeting.UUID != "" {
				payload.JobID = webhook.TranscriptJobID(meeting.UUID, webhook.EventRecordingCompleted)
			}
			rt := pipeline.NewRuntime(pipeline.Runtime{Config: d.cfg, Log: d.log, Queue: d.Queue()})
			job, created, err := rt.EnqueueTranscript(cmd.Context(), payload)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already exists (%s)\n", job.ID, job.Status)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&meeting.UUID, "uuid", "", "Occurrence uuid (makes the job idempotent)")
	cmd.Flags().StringVar(&meeting.Topic, "topic", "", "Meeting topic")
	cmd.Flags().StringVar(&startTime, "start", "", "Occurrence start time (RFC 3339)")
	cmd.Flags().StringVar(&meeting.HostEmail, "host-email", "", "Host email")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
