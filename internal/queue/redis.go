package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/metrics"
)

const (
	// popTimeout bounds each blocking pop so workers notice cancellation.
	popTimeout = 2 * time.Second

	// promoteInterval is how often due delayed jobs move to ready.
	promoteInterval = time.Second

	// promoteBatch caps how many delayed jobs one promotion pass moves.
	promoteBatch = 100

	// deadRetention caps the dead set length per queue.
	deadRetention = 1000
)

// RedisConfig configures the broker connection.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisBroker is the production broker: job state lives in Redis so any
// process attached to the same instance sees the same queues.
type RedisBroker struct {
	client      *redis.Client
	prefix      string
	logger      *slog.Logger
	dispatchLog *logging.DispatchLogger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	queues map[string]*redisQueue
}

var _ Broker = (*RedisBroker)(nil)

// Connect establishes the broker connection, retrying briefly before giving
// up. Callers fall back to NewNullBroker when it returns an error; the
// process must come up even without a broker.
func Connect(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisBroker, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "outflow"
	}

	operation := func() (*redis.Client, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond

	client, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(3))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	return &RedisBroker{
		client:      client,
		prefix:      cfg.KeyPrefix,
		logger:      logger.With("component", "queue"),
		dispatchLog: logging.NewDispatchLogger(logger),
		metrics:     metrics.Get(),
		queues:      make(map[string]*redisQueue),
	}, nil
}

// Queue binds a logical queue name to this broker.
func (b *RedisBroker) Queue(name string) Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}

	q := &redisQueue{
		broker: b,
		name:   name,
	}
	b.queues[name] = q
	return q
}

// QueueNames lists the queues bound so far.
func (b *RedisBroker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Available reports whether the broker connection is live.
func (b *RedisBroker) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

// Close releases the broker connection.
func (b *RedisBroker) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- b.client.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WatchDepths periodically exports every bound queue's depth as gauges.
// It blocks until ctx is cancelled.
func (b *RedisBroker) WatchDepths(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			queues := make([]*redisQueue, 0, len(b.queues))
			for _, q := range b.queues {
				queues = append(queues, q)
			}
			b.mu.Unlock()

			for _, q := range queues {
				depth, err := q.Depth(ctx)
				if err != nil {
					continue
				}
				b.metrics.QueueDepth.WithLabelValues(q.name, "ready").Set(float64(depth.Ready))
				b.metrics.QueueDepth.WithLabelValues(q.name, "delayed").Set(float64(depth.Delayed))
				b.metrics.QueueDepth.WithLabelValues(q.name, "dead").Set(float64(depth.Dead))
			}
		}
	}
}

// redisQueue implements Queue on a RedisBroker.
//
// Key layout per queue:
//
//	{prefix}:q:{name}:ready      list of job ids ready to run
//	{prefix}:q:{name}:processing list of job ids popped by a worker
//	{prefix}:q:{name}:delayed    zset of job ids scored by due time (ms)
//	{prefix}:q:{name}:ids        set of queued ids, the dedupe gate
//	{prefix}:q:{name}:dead       list of JSON job envelopes, newest first
//	{prefix}:q:{name}:job:{id}   hash of job fields
type redisQueue struct {
	broker *RedisBroker
	name   string
}

func (q *redisQueue) key(suffix string) string {
	return q.broker.prefix + ":q:" + q.name + ":" + suffix
}

func (q *redisQueue) jobKey(id string) string {
	return q.key("job:" + id)
}

// Name returns the queue name.
func (q *redisQueue) Name() string {
	return q.name
}

// Enqueue adds a job, deduplicating on the job ID. The dedupe membership is
// released when the job completes or dies, so a retried row can be promoted
// again after operator intervention.
func (q *redisQueue) Enqueue(ctx context.Context, job *Job) error {
	normalizeJob(job, q.name)

	client := q.broker.client

	added, err := client.SAdd(ctx, q.key("ids"), job.ID).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	if added == 0 {
		q.broker.metrics.JobsDuplicate.WithLabelValues(q.name).Inc()
		return ErrDuplicateJob
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), jobFields(job)...)
	if job.Delay > 0 {
		due := float64(time.Now().Add(job.Delay).UnixMilli())
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: due, Member: job.ID})
	} else {
		pipe.LPush(ctx, q.key("ready"), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the dedupe slot so a later enqueue can succeed.
		client.SRem(ctx, q.key("ids"), job.ID)
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	q.broker.metrics.JobsEnqueued.WithLabelValues(q.name).Inc()
	q.broker.dispatchLog.LogEnqueued(logging.JobContext{
		JobID:       job.ID,
		Queue:       q.name,
		MaxAttempts: job.MaxAttempts,
		EnqueuedAt:  job.EnqueuedAt,
	})
	return nil
}

// Process runs the worker loop until ctx is cancelled: a promotion loop for
// delayed jobs plus opts.Concurrency workers, all throughput-capped at
// concurrency*10 jobs/second.
func (q *redisQueue) Process(ctx context.Context, handler Handler, opts WorkerOptions) error {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	// Jobs stranded in the processing list belong to a previous process
	// that died mid-job; hand them back before starting.
	q.recoverProcessing(ctx)

	limiter := rate.NewLimiter(rate.Limit(concurrency*10), concurrency*10)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.promoteLoop(gctx)
	})
	for i := 0; i < concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return q.worker(gctx, workerID, handler, opts, limiter)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (q *redisQueue) recoverProcessing(ctx context.Context) {
	client := q.broker.client
	recovered := 0
	for {
		_, err := client.LMove(ctx, q.key("processing"), q.key("ready"), "RIGHT", "LEFT").Result()
		if err != nil {
			break
		}
		recovered++
	}
	if recovered > 0 {
		q.broker.logger.Warn("requeued stale in-flight jobs",
			"queue", q.name,
			"count", recovered)
	}
}

// promoteLoop moves due delayed jobs to the ready list.
func (q *redisQueue) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.broker.logger.Warn("delayed job promotion failed",
					"queue", q.name,
					"error", err)
			}
		}
	}
}

func (q *redisQueue) promoteDue(ctx context.Context) error {
	client := q.broker.client
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	ids, err := client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := client.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.key("ready"), id)
		pipe.ZRem(ctx, q.key("delayed"), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) worker(ctx context.Context, workerID int, handler Handler, opts WorkerOptions, limiter *rate.Limiter) error {
	workerLogger := q.broker.logger.With("queue", q.name, "worker_id", workerID)
	workerLogger.Debug("queue worker started")
	defer workerLogger.Debug("queue worker stopped")

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		id, err := q.broker.client.BLMove(ctx, q.key("ready"), q.key("processing"), "RIGHT", "LEFT", popTimeout).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			workerLogger.Warn("failed to pop job", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			// Orphaned id with no job data; drop it.
			q.broker.client.LRem(ctx, q.key("processing"), 1, id)
			q.broker.client.SRem(ctx, q.key("ids"), id)
			workerLogger.Warn("dropping orphaned job id", "job_id", id, "error", err)
			continue
		}

		q.runJob(ctx, job, handler, opts, workerLogger)
	}
}

func (q *redisQueue) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.broker.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(id, q.name, fields), nil
}

func (q *redisQueue) runJob(ctx context.Context, job *Job, handler Handler, opts WorkerOptions, logger *slog.Logger) {
	client := q.broker.client
	m := q.broker.metrics

	job.Attempts++
	client.HIncrBy(ctx, q.jobKey(job.ID), "attempts", 1)

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
		pipe := client.TxPipeline()
		pipe.LRem(ctx, q.key("processing"), 1, job.ID)
		pipe.Del(ctx, q.jobKey(job.ID))
		pipe.SRem(ctx, q.key("ids"), job.ID)
		pipe.Exec(ctx)

		m.JobsCompleted.WithLabelValues(q.name).Inc()
		q.broker.dispatchLog.LogCompleted(jobCtx)

	case errors.Is(err, ErrNotYetDue):
		// Not a failure: the attempt does not count. The poller's due
		// filter should make this impossible, so log it loudly.
		due := notYetDueTime(err)
		if !due.After(time.Now()) {
			due = time.Now().Add(job.BackoffBase)
		}

		client.HIncrBy(ctx, q.jobKey(job.ID), "attempts", -1)
		client.HSet(ctx, q.jobKey(job.ID), "last_error", err.Error())

		pipe := client.TxPipeline()
		pipe.LRem(ctx, q.key("processing"), 1, job.ID)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		pipe.Exec(ctx)

		logger.Warn("job not ready to run, rescheduling",
			"job_id", job.ID,
			"due", due.Format(time.RFC3339))

	case job.Attempts >= job.MaxAttempts:
		job.LastError = err.Error()
		envelope, _ := json.Marshal(job)

		pipe := client.TxPipeline()
		pipe.LRem(ctx, q.key("processing"), 1, job.ID)
		pipe.LPush(ctx, q.key("dead"), envelope)
		pipe.LTrim(ctx, q.key("dead"), 0, deadRetention-1)
		pipe.Del(ctx, q.jobKey(job.ID))
		pipe.SRem(ctx, q.key("ids"), job.ID)
		pipe.Exec(ctx)

		m.JobsDead.WithLabelValues(q.name).Inc()
		jobCtx.Error = err.Error()
		q.broker.dispatchLog.LogDead(jobCtx)

		if opts.OnDead != nil {
			opts.OnDead(ctx, job, err)
		}

	default:
		delay := RetryDelay(job.Attempts, job.BackoffBase)
		due := time.Now().Add(delay)

		client.HSet(ctx, q.jobKey(job.ID), "last_error", err.Error())

		pipe := client.TxPipeline()
		pipe.LRem(ctx, q.key("processing"), 1, job.ID)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		pipe.Exec(ctx)

		m.JobsRetried.WithLabelValues(q.name).Inc()
		jobCtx.Error = err.Error()
		jobCtx.NextRetryAt = due
		q.broker.dispatchLog.LogRetried(jobCtx)
	}
}

// Depth reports the number of queued jobs per state.
func (q *redisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.broker.client.Pipeline()
	ready := pipe.LLen(ctx, q.key("ready"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	return Depth{
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

// DeadJobs lists up to limit jobs from the dead set, newest first.
func (q *redisQueue) DeadJobs(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.broker.client.LRange(ctx, q.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	jobs := make([]*Job, 0, len(raw))
	for _, envelope := range raw {
		var job Job
		if err := json.Unmarshal([]byte(envelope), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// RetryDead moves up to limit dead jobs back to the ready state, oldest
// first, with a fresh attempt budget.
func (q *redisQueue) RetryDead(ctx context.Context, limit int64) (int64, error) {
	if limit <= 0 {
		limit = 50
	}

	client := q.broker.client
	var requeued int64

	for i := int64(0); i < limit; i++ {
		envelope, err := client.RPop(ctx, q.key("dead")).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return requeued, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(envelope), &job); err != nil {
			continue
		}
		job.Attempts = 0

		added, err := client.SAdd(ctx, q.key("ids"), job.ID).Result()
		if err != nil {
			return requeued, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		if added == 0 {
			// The same logical job was re-enqueued while this one sat in
			// the dead set; drop the stale copy.
			continue
		}

		pipe := client.TxPipeline()
		pipe.HSet(ctx, q.jobKey(job.ID), jobFields(&job)...)
		pipe.LPush(ctx, q.key("ready"), job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			client.SRem(ctx, q.key("ids"), job.ID)
			return requeued, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		requeued++
	}

	return requeued, nil
}

// runHandler invokes the handler with panic recovery; a panicking handler
// counts as a failed attempt, never a crashed worker.
func runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func normalizeJob(job *Job, queueName string) {
	job.Queue = queueName
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.BackoffBase <= 0 {
		job.BackoffBase = 5 * time.Second
	}
	job.EnqueuedAt = time.Now()
}

func jobFields(job *Job) []any {
	return []any{
		"queue", job.Queue,
		"payload", string(job.Payload),
		"attempts", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"backoff_ms", job.BackoffBase.Milliseconds(),
		"enqueued_at", job.EnqueuedAt.Format(time.RFC3339Nano),
		"last_error", job.LastError,
	}
}

func jobFromFields(id, queueName string, fields map[string]string) *Job {
	job := &Job{
		ID:      id,
		Queue:   queueName,
		Payload: []byte(fields["payload"]),
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if ms, err := strconv.ParseInt(fields["backoff_ms"], 10, 64); err == nil && ms > 0 {
		job.BackoffBase = time.Duration(ms) * time.Millisecond
	} else {
		job.BackoffBase = 5 * time.Second
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["enqueued_at"]); err == nil {
		job.EnqueuedAt = t
	}
	job.LastError = fields["last_error"]
	return job
}

func notYetDueTime(err error) time.Time {
	var nyd *NotYetDueError
	if errors.As(err, &nyd) {
		return nyd.Due
	}
	return time.Time{}
}
