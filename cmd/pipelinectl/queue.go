package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/models"
)

func newQueueCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair job queues",
		Long: `Inspect and repair the transcript, distribution and email queues.

Examples:
  # Counts for every topic
  pipelinectl queue stats

  # Requeue every failed email job with a fresh attempt budget
  pipelinectl queue retry-failed email-sending

  # Drop completed history of the transcript topic
  pipelinectl queue clean transcript-processing --status completed`,
	}
	cmd.AddCommand(newQueueStatsCmd(d), newQueueRetryCmd(d), newQueueCleanCmd(d))
	return cmd
}

func newQueueStatsCmd(d *deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stats [topic...]",
		Short: "Show job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			topics := args
			if len(topics) == 0 {
				topics = config.Topics
			}
			all := make([]models.QueueCounts, 0, len(topics))
			for _, t := range topics {
				if err := checkTopic(t); err != nil {
					return err
				}
				c, err := d.Queue().Counts(cmd.Context(), t)
				if err != nil {
					return fmt.Errorf("counts for %s: %w", t, err)
				}
				all = append(all, c)
			}
			return printCounts(cmd.OutOrStdout(), output, all)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	return cmd
}

func newQueueRetryCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed <topic>",
		Short: "Move failed jobs back to waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkTopic(args[0]); err != nil {
				return err
			}
			n, err := d.Queue().RetryFailed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d failed job(s) on %s\n", n, args[0])
			return nil
		},
	}
}

func newQueueCleanCmd(d *deps) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "clean <topic>",
		Short: "Remove jobs in one state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkTopic(args[0]); err != nil {
				return err
			}
			n, err := d.Queue().Clean(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d %s job(s) from %s\n", n, status, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", models.StatusCompleted, "State to clean: waiting, delayed, completed, failed")
	return cmd
}

func checkTopic(topic string) error {
	for _, t := range config.Topics {
		if t == topic {
			return nil
		}
	}
	return fmt.Errorf("unknown topic %q (known: %v)", topic, config.Topics)
}

func printCounts(w io.Writer, format string, counts []models.QueueCounts) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	case "yaml":
		return yaml.NewEncoder(w).Encode(counts)
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOPIC\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED")
		for _, c := range counts {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", c.Topic, c.Waiting, c.Active, c.Delayed, c.Completed, c.Failed)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
