package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/queue"
)

const testTopic = "distribution-processing"

type recordingNotifier struct {
	mu    sync.Mutex
	jobs  []models.Job
	errs  []error
	stack []string
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, job models.Job, err error, stack string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	n.errs = append(n.errs, err)
	n.stack = append(n.stack, stack)
}

type panickyNotifier struct{}

func (panickyNotifier) NotifyFailure(context.Context, models.Job, error, string) {
	panic("mail relay exploded")
}

func newQueue(t *testing.T) *queue.RedisQueue {
	return newQueueWithVisibility(t, time.Minute)
}

func newQueueWithVisibility(t *testing.T, visibility time.Duration) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, visibility)
}

func enqueue(t *testing.T, q *queue.RedisQueue, attempts int) models.Job {
	t.Helper()
	job, _, err := q.Enqueue(context.Background(), testTopic, map[string]string{"transcriptId": "t-1"}, queue.JobOptions{
		Attempts:           attempts,
		Backoff:            models.Backoff{Type: models.BackoffFixed, Delay: time.Second},
		RetentionCompleted: 10,
		RetentionFailed:    10,
	})
	require.NoError(t, err)
	return job
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, max)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.LessOrEqual(t, b3, max)

	b20 := backoffWithJitter(base, max, 20)
	assert.LessOrEqual(t, b20, max)
}

func TestRetryDelayFixed(t *testing.T) {
	d := retryDelay(models.Backoff{Type: models.BackoffFixed, Delay: 3 * time.Second}, 4, time.Minute)
	assert.Equal(t, 3*time.Second, d)
}

func TestProcessorCompletesWithResultAndProgress(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	job := enqueue(t, q, 3)

	handler := func(ctx context.Context, j models.Job, progress ProgressFunc) (map[string]any, error) {
		progress(40, "resolving recipients")
		return map[string]any{"recipients": 2}, nil
	}
	p := NewProcessor(testTopic, config.TopicPolicy{Concurrency: 1}, q, handler, Options{})

	ok, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := q.GetJob(ctx, testTopic, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, "resolving recipients", stored.Stage)
	assert.Equal(t, float64(2), stored.Result["recipients"])
}

func TestProcessorRetriesThenFailsAndNotifies(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	job := enqueue(t, q, 2)
	notifier := &recordingNotifier{}

	handler := func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		return nil, errors.New("smtp timeout")
	}
	p := NewProcessor(testTopic, config.TopicPolicy{Concurrency: 1}, q, handler, Options{Notifier: notifier})
	base := time.Now()
	p.now = func() time.Time { return base }

	ok, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := q.GetJob(ctx, testTopic, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelayed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Empty(t, notifier.jobs)

	p.now = func() time.Time { return base.Add(2 * time.Second) }
	p.Maintain(ctx)

	ok, err = p.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err = q.GetJob(ctx, testTopic, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, "smtp timeout", stored.FailedReason)

	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, job.ID, notifier.jobs[0].ID)
	assert.EqualError(t, notifier.errs[0], "smtp timeout")
}

func TestProcessorUnrecoverableSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	job := enqueue(t, q, 5)
	notifier := &recordingNotifier{}

	handler := func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		return nil, Unrecoverable(errors.New("no usable recording artifact"))
	}
	p := NewProcessor(testTopic, config.TopicPolicy{Concurrency: 1}, q, handler, Options{Notifier: notifier})

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, testTopic, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Len(t, notifier.jobs, 1)
}

func TestProcessorRecoversPanicWithStack(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	enqueue(t, q, 1)
	notifier := &recordingNotifier{}

	handler := func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	}
	p := NewProcessor(testTopic, config.TopicPolicy{Concurrency: 1}, q, handler, Options{Notifier: notifier})

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	require.Len(t, notifier.stack, 1)
	assert.Contains(t, notifier.errs[0].Error(), "handler panic")
	assert.Contains(t, notifier.stack[0], "processor_test.go")
}

func TestProcessorSwallowsNotifierPanic(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	job := enqueue(t, q, 1)

	handler := func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		return nil, errors.New("boom")
	}
	p := NewProcessor(testTopic, config.TopicPolicy{Concurrency: 1}, q, handler, Options{Notifier: panickyNotifier{}})

	assert.NotPanics(t, func() { _, _ = p.RunOnce(ctx) })
	stored, err := q.GetJob(ctx, testTopic, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestProcessorRunDrainsWithBoundedConcurrency(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 6; i++ {
		enqueue(t, q, 1)
	}

	var running, peak, done int32
	handler := func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&done, 1)
		return nil, nil
	}
	p := NewProcessor(testTopic, config.TopicPolicy{Concurrency: 2}, q, handler, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 6 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestProcessorRenewsLeaseOfSlowHandler(t *testing.T) {
	ctx := context.Background()
	q := newQueueWithVisibility(t, 100*time.Millisecond)
	job := enqueue(t, q, 3)

	var calls int32
	handler := func(context.Context, models.Job, ProgressFunc) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		// several visibility timeouts without a progress update
		time.Sleep(400 * time.Millisecond)
		return nil, nil
	}
	p := NewProcessor(testTopic, config.TopicPolicy{Concurrency: 2}, q, handler, Options{LeaseRenewInterval: 20 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.RunOnce(ctx)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)

	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-time.After(25 * time.Millisecond):
			p.Maintain(ctx)
			ok, err := p.RunOnce(ctx)
			require.NoError(t, err)
			assert.False(t, ok, "running job was handed to a second worker")
		}
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	stored, err := q.GetJob(ctx, testTopic, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}
