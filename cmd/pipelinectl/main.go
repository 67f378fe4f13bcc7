// Command pipelinectl is the operator CLI for the transcript pipeline: queue
// inspection, tenant credentials and manual enqueues.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/queue"
	"meeting-transcript-pipeline/internal/store"
)

// deps opens connections on first use so `--help` never dials anything.
type deps struct {
	cfg   config.Config
	log   logging.Logger
	redis *redis.Client
	queue *queue.RedisQueue
	store store.Store
}

func (d *deps) Queue() *queue.RedisQueue {
	if d.queue == nil {
		d.redis = queue.NewRedisClient(d.cfg)
		d.queue = queue.NewRedisQueue(d.redis, d.cfg.VisibilityTimeout)
	}
	return d.queue
}

func (d *deps) Redis() *redis.Client {
	d.Queue()
	return d.redis
}

func (d *deps) Store(ctx context.Context) (store.Store, error) {
	if d.store != nil {
		return d.store, nil
	}
	st, err := store.Open(ctx, d.cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	d.store = st
	return st, nil
}

func (d *deps) Close() {
	if d.store != nil {
		d.store.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

func newRootCmd(d *deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the meeting transcript pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newQueueCmd(d))
	root.AddCommand(newTenantCmd(d))
	root.AddCommand(newEnqueueCmd(d))
	return root
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	d := &deps{cfg: cfg, log: logging.NewLogger(logging.Config{
		Level:       cfg.LogLevel,
		ServiceName: "pipelinectl",
		Environment: cfg.Env,
		Output:      os.Stderr,
	})}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = newRootCmd(d).ExecuteContext(ctx)
	cancel()
	d.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
