package queue

import (
	"context"
	"log/slog"

	"github.com/outflowhq/outflow/internal/metrics"
)

// NullBroker stands in when no real broker can be reached. Every queue it
// hands out accepts jobs and drops them with a log line, so callers never
// need a nil check and the process keeps serving requests in degraded mode.
type NullBroker struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Broker = (*NullBroker)(nil)

// NewNullBroker builds the degraded-mode broker.
func NewNullBroker(logger *slog.Logger) *NullBroker {
	return &NullBroker{
		logger:  logger.With("component", "queue"),
		metrics: metrics.Get(),
	}
}

// Queue returns a no-op queue for name.
func (b *NullBroker) Queue(name string) Queue {
	return &nullQueue{broker: b, name: name}
}

// QueueNames returns nil; the null broker tracks nothing.
func (b *NullBroker) QueueNames() []string {
	return nil
}

// Available always reports false so health checks surface the degraded mode.
func (b *NullBroker) Available() bool {
	return false
}

// Close is a no-op.
func (b *NullBroker) Close(ctx context.Context) error {
	return nil
}

type nullQueue struct {
	broker *NullBroker
	name   string
}

func (q *nullQueue) Name() string {
	return q.name
}

// Enqueue logs and discards the job. It deliberately returns nil: producers
// must not fail their own request path just because background processing is
// unavailable.
func (q *nullQueue) Enqueue(ctx context.Context, job *Job) error {
	q.broker.metrics.JobsDropped.WithLabelValues(q.name).Inc()
	q.broker.logger.Warn("queue unavailable, dropping job",
		"queue", q.name,
		"job_id", job.ID)
	return nil
}

// Process blocks until ctx is cancelled; there is nothing to work.
func (q *nullQueue) Process(ctx context.Context, handler Handler, opts WorkerOptions) error {
	<-ctx.Done()
	return nil
}

func (q *nullQueue) Depth(ctx context.Context) (Depth, error) {
	return Depth{}, ErrQueueUnavailable
}

func (q *nullQueue) DeadJobs(ctx context.Context, limit int64) ([]*Job, error) {
	return nil, ErrQueueUnavailable
}

func (q *nullQueue) RetryDead(ctx context.Context, limit int64) (int64, error) {
	return 0, ErrQueueUnavailable
}
