package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/telemetry"
)

// Queue is the subset of the job queue a processor needs.
type Queue interface {
	Dequeue(ctx context.Context, topic string) (models.Job, bool, error)
	Progress(ctx context.Context, job *models.Job, pct int, stage string) error
	ExtendLease(ctx context.Context, topic, id string) (bool, error)
	Complete(ctx context.Context, job *models.Job, result map[string]any) error
	Retry(ctx context.Context, job *models.Job, reason string, runAt time.Time) error
	Fail(ctx context.Context, job *models.Job, reason string) error
	PromoteDelayed(ctx context.Context, topic string, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, topic string, now time.Time, limit int64) ([]string, error)
	Counts(ctx context.Context, topic string) (models.QueueCounts, error)
}

// ProgressFunc reports a percentage and a human-readable stage for the running job.
type ProgressFunc func(pct int, stage string)

// Handler executes one job. The returned map is stored as the job result.
type Handler func(ctx context.Context, job models.Job, progress ProgressFunc) (map[string]any, error)

// FailureNotifier is told about jobs that failed terminally. Implementations
// must not panic; the processor recovers and logs if they do.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, job models.Job, err error, stack string)
}

// Options tunes a Processor. Zero values fall back to defaults.
type Options struct {
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	BackoffMax          time.Duration
	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration
	// LeaseRenewInterval is how often the lease of a running job is extended.
	// It should be well under the queue's visibility timeout. Zero disables
	// renewal, leaving only progress updates to extend the lease.
	LeaseRenewInterval time.Duration
	Notifier           FailureNotifier
	Logger             logging.Logger
}

// Processor is the bounded worker pool of one topic.
type Processor struct {
	topic               string
	policy              config.TopicPolicy
	queue               Queue
	handler             Handler
	notifier            FailureNotifier
	log                 logging.Logger
	pollInterval        time.Duration
	maintenanceInterval time.Duration
	backoffMax          time.Duration
	jobTimeout          time.Duration
	leaseRenewInterval  time.Duration
	now                 func() time.Time
}

// NewProcessor builds the pool for topic.
func NewProcessor(topic string, policy config.TopicPolicy, q Queue, h Handler, opts Options) *Processor {
	if policy.Concurrency <= 0 {
		policy.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Processor{
		topic:               topic,
		policy:              policy,
		queue:               q,
		handler:             h,
		notifier:            opts.Notifier,
		log:                 opts.Logger.With(logging.F("topic", topic)),
		pollInterval:        opts.PollInterval,
		maintenanceInterval: opts.MaintenanceInterval,
		backoffMax:          opts.BackoffMax,
		jobTimeout:          opts.JobTimeout,
		leaseRenewInterval:  opts.LeaseRenewInterval,
		now:                 time.Now,
	}
}

// Topic returns the topic this pool consumes.
func (p *Processor) Topic() string { return p.topic }

// Run starts policy.Concurrency workers plus one maintenance loop and blocks until
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(gctx) })
	for i := 0; i < p.policy.Concurrency; i++ {
		g.Go(func() error { return p.work(gctx) })
	}
	p.log.Info("worker pool started", logging.F("concurrency", p.policy.Concurrency))
	return g.Wait()
}

func (p *Processor) work(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := p.RunOnce(ctx)
		if err != nil {
			p.log.Warn("dequeue failed", logging.Err(err))
		}
		if err != nil || !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
		}
	}
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.maintenanceInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain promotes due delayed jobs, reclaims expired leases and refreshes the
// depth gauges.
func (p *Processor) Maintain(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteDelayed(ctx, p.topic, now, 100); err != nil {
		p.log.Warn("promote delayed failed", logging.Err(err))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, p.topic, now, 100)
	if err != nil {
		p.log.Warn("requeue expired failed", logging.Err(err))
	} else if len(reclaimed) > 0 {
		telemetry.LeasesReclaimed.WithLabelValues(p.topic).Add(float64(len(reclaimed)))
		p.log.Warn("reclaimed expired leases", logging.F("job_ids", reclaimed))
	}
	if counts, err := p.queue.Counts(ctx, p.topic); err == nil {
		telemetry.QueueDepth.WithLabelValues(p.topic, models.StatusWaiting).Set(float64(counts.Waiting))
		telemetry.QueueDepth.WithLabelValues(p.topic, models.StatusActive).Set(float64(counts.Active))
		telemetry.QueueDepth.WithLabelValues(p.topic, models.StatusDelayed).Set(float64(counts.Delayed))
		telemetry.QueueDepth.WithLabelValues(p.topic, models.StatusFailed).Set(float64(counts.Failed))
	}
}

// RunOnce leases and processes at most one job. It reports whether a job was found.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := p.queue.Dequeue(ctx, p.topic)
	if err != nil || !ok {
		return false, err
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	log := p.log.With(logging.F("job_id", job.ID), logging.F("attempt", job.Attempts+1))
	inflight := telemetry.InFlight.WithLabelValues(p.topic)
	inflight.Inc()
	defer inflight.Dec()

	jobCtx := ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}
	progress := func(pct int, stage string) {
		if err := p.queue.Progress(ctx, &job, pct, stage); err != nil {
			log.Warn("progress update failed", logging.Err(err))
			return
		}
		log.Debug("progress", logging.F("pct", pct), logging.F("stage", stage))
	}

	stopRenewal := p.renewLease(ctx, job.ID, log)
	start := p.now()
	result, stack, err := p.invoke(jobCtx, job, progress)
	stopRenewal()
	telemetry.JobDuration.WithLabelValues(p.topic).Observe(p.now().Sub(start).Seconds())

	if err == nil {
		if cerr := p.queue.Complete(ctx, &job, result); cerr != nil {
			log.Error("complete failed", logging.Err(cerr))
			return
		}
		telemetry.JobsProcessed.WithLabelValues(p.topic, models.StatusCompleted).Inc()
		log.Info("job completed")
		return
	}

	job.Attempts++
	if IsUnrecoverable(err) || job.Attempts >= job.MaxAttempts {
		if ferr := p.queue.Fail(ctx, &job, err.Error()); ferr != nil {
			log.Error("fail transition failed", logging.Err(ferr))
		}
		telemetry.JobsProcessed.WithLabelValues(p.topic, models.StatusFailed).Inc()
		log.Error("job failed", logging.Err(err), logging.F("max_attempts", job.MaxAttempts), logging.F("unrecoverable", IsUnrecoverable(err)))
		p.notify(ctx, job, err, stack)
		return
	}

	delay := retryDelay(job.Backoff, job.Attempts, p.backoffMax)
	if rerr := p.queue.Retry(ctx, &job, err.Error(), p.now().Add(delay)); rerr != nil {
		log.Error("retry scheduling failed", logging.Err(rerr))
		return
	}
	telemetry.JobsProcessed.WithLabelValues(p.topic, "retried").Inc()
	log.Warn("job failed, retry scheduled", logging.Err(err), logging.F("delay", delay))
}

// renewLease keeps the job leased while its handler runs, so a slow external
// call between two progress updates is not mistaken for a dead worker.
func (p *Processor) renewLease(ctx context.Context, id string, log logging.Logger) (stop func()) {
	if p.leaseRenewInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.leaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := p.queue.ExtendLease(ctx, p.topic, id)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("lease renewal failed", logging.Err(err))
			case err == nil && !held:
				log.Warn("lease lost while job was running")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) invoke(ctx context.Context, job models.Job, progress ProgressFunc) (result map[string]any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	result, err = p.handler(ctx, job, progress)
	return result, stack, err
}

func (p *Processor) notify(ctx context.Context, job models.Job, err error, stack string) {
	if p.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			telemetry.FailureNotifications.WithLabelValues("panic").Inc()
			p.log.Error("failure notifier panicked", logging.F("job_id", job.ID), logging.F("panic", fmt.Sprint(r)))
		}
	}()
	p.notifier.NotifyFailure(ctx, job, err, stack)
}

func retryDelay(b models.Backoff, attempt int, max time.Duration) time.Duration {
	delay := b.Delay
	if delay <= 0 {
		delay = time.Second
	}
	if b.Type == models.BackoffExponential {
		return backoffWithJitter(delay, max, attempt)
	}
	return delay
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
