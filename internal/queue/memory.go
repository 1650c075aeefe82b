package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/metrics"
)

// MemoryBroker keeps all job state in process memory. It exists for tests
// and single-process development runs; production deployments use the Redis
// broker so queues survive restarts.
type MemoryBroker struct {
	logger      *slog.Logger
	dispatchLog *logging.DispatchLogger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	queues map[string]*memoryQueue
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker builds an in-process broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		logger:      logger.With("component", "queue"),
		dispatchLog: logging.NewDispatchLogger(logger),
		metrics:     metrics.Get(),
		queues:      make(map[string]*memoryQueue),
	}
}

// Queue binds a logical queue name to this broker.
func (b *MemoryBroker) Queue(name string) Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}

	q := &memoryQueue{
		broker:  b,
		name:    name,
		ids:     make(map[string]struct{}),
		delayed: make(map[string]time.Time),
		jobs:    make(map[string]*Job),
	}
	b.queues[name] = q
	return q
}

// QueueNames lists the queues bound so far.
func (b *MemoryBroker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Available reports true until the broker is closed.
func (b *MemoryBroker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close marks the broker unavailable.
func (b *MemoryBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryQueue struct {
	broker *MemoryBroker
	name   string

	mu      sync.Mutex
	ready   []string
	delayed map[string]time.Time
	ids     map[string]struct{}
	jobs    map[string]*Job
	dead    []*Job
}

func (q *memoryQueue) Name() string {
	return q.name
}

func (q *memoryQueue) Enqueue(ctx context.Context, job *Job) error {
	normalizeJob(job, q.name)

	q.mu.Lock()
	if _, dup := q.ids[job.ID]; dup {
		q.mu.Unlock()
		q.broker.metrics.JobsDuplicate.WithLabelValues(q.name).Inc()
		return ErrDuplicateJob
	}

	stored := *job
	q.ids[job.ID] = struct{}{}
	q.jobs[job.ID] = &stored
	if job.Delay > 0 {
		q.delayed[job.ID] = time.Now().Add(job.Delay)
	} else {
		q.ready = append(q.ready, job.ID)
	}
	q.mu.Unlock()

	q.broker.metrics.JobsEnqueued.WithLabelValues(q.name).Inc()
	q.broker.dispatchLog.LogEnqueued(logging.JobContext{
		JobID:       job.ID,
		Queue:       q.name,
		MaxAttempts: job.MaxAttempts,
		EnqueuedAt:  job.EnqueuedAt,
	})
	return nil
}

func (q *memoryQueue) Process(ctx context.Context, handler Handler, opts WorkerOptions) error {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	limiter := rate.NewLimiter(rate.Limit(concurrency*10), concurrency*10)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				job := q.pop()
				if job == nil {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(10 * time.Millisecond):
					}
					continue
				}

				if err := limiter.Wait(gctx); err != nil {
					return gctx.Err()
				}

				q.runJob(gctx, job, handler, opts)
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// pop promotes due delayed jobs, then takes the oldest ready job.
func (q *memoryQueue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for id, due := range q.delayed {
		if !due.After(now) {
			delete(q.delayed, id)
			q.ready = append(q.ready, id)
		}
	}

	if len(q.ready) == 0 {
		return nil
	}

	id := q.ready[0]
	q.ready = q.ready[1:]
	job, ok := q.jobs[id]
	if !ok {
		delete(q.ids, id)
		return nil
	}
	return job
}

func (q *memoryQueue) runJob(ctx context.Context, job *Job, handler Handler, opts WorkerOptions) {
	m := q.broker.metrics

	job.Attempts++

	startedAt := time.Now()
	err := m.TrackJobDuration(q.name, func() error {
		return runHandler(ctx, handler, job)
	})
	finishedAt := time.Now()

	jobCtx := logging.JobContext{
		JobID:       job.ID,
		Queue:       q.name,
		Attempt:     job.Attempts,
		MaxAttempts: job.MaxAttempts,
		EnqueuedAt:  job.EnqueuedAt,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
	}

	switch {
	case err == nil:
		q.mu.Lock()
		delete(q.jobs, job.ID)
		delete(q.ids, job.ID)
		q.mu.Unlock()

		m.JobsCompleted.WithLabelValues(q.name).Inc()
		q.broker.dispatchLog.LogCompleted(jobCtx)

	case errors.Is(err, ErrNotYetDue):
		job.Attempts--
		due := notYetDueTime(err)
		if !due.After(time.Now()) {
			due = time.Now().Add(job.BackoffBase)
		}

		q.mu.Lock()
		job.LastError = err.Error()
		q.delayed[job.ID] = due
		q.mu.Unlock()

		q.broker.logger.Warn("job not ready to run, rescheduling",
			"queue", q.name,
			"job_id", job.ID,
			"due", due.Format(time.RFC3339))

	case job.Attempts >= job.MaxAttempts:
		job.LastError = err.Error()

		q.mu.Lock()
		q.dead = append([]*Job{job}, q.dead...)
		if len(q.dead) > deadRetention {
			q.dead = q.dead[:deadRetention]
		}
		delete(q.jobs, job.ID)
		delete(q.ids, job.ID)
		q.mu.Unlock()

		m.JobsDead.WithLabelValues(q.name).Inc()
		jobCtx.Error = err.Error()
		q.broker.dispatchLog.LogDead(jobCtx)

		if opts.OnDead != nil {
			opts.OnDead(ctx, job, err)
		}

	default:
		due := time.Now().Add(RetryDelay(job.Attempts, job.BackoffBase))

		q.mu.Lock()
		job.LastError = err.Error()
		q.delayed[job.ID] = due
		q.mu.Unlock()

		m.JobsRetried.WithLabelValues(q.name).Inc()
		jobCtx.Error = err.Error()
		jobCtx.NextRetryAt = due
		q.broker.dispatchLog.LogRetried(jobCtx)
	}
}

func (q *memoryQueue) Depth(ctx context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depth{
		Ready:   int64(len(q.ready)),
		Delayed: int64(len(q.delayed)),
		Dead:    int64(len(q.dead)),
	}, nil
}

func (q *memoryQueue) DeadJobs(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := int64(len(q.dead))
	if n > limit {
		n = limit
	}

	jobs := make([]*Job, 0, n)
	for _, job := range q.dead[:n] {
		// Copy through JSON so callers cannot mutate queue state.
		envelope, err := json.Marshal(job)
		if err != nil {
			continue
		}
		var clone Job
		if err := json.Unmarshal(envelope, &clone); err != nil {
			continue
		}
		jobs = append(jobs, &clone)
	}
	return jobs, nil
}

func (q *memoryQueue) RetryDead(ctx context.Context, limit int64) (int64, error) {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var requeued int64
	for requeued < limit && len(q.dead) > 0 {
		job := q.dead[len(q.dead)-1]
		q.dead = q.dead[:len(q.dead)-1]

		if _, dup := q.ids[job.ID]; dup {
			continue
		}

		job.Attempts = 0
		q.ids[job.ID] = struct{}{}
		q.jobs[job.ID] = job
		q.ready = append(q.ready, job.ID)
		requeued++
	}
	return requeued, nil
}
