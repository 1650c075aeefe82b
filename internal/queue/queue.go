package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/goccy/go-json"
)

// Common errors
var (
	// ErrDuplicateJob reports that a job with the same ID is already queued.
	// Enqueue treats this as a no-op; callers that poll the same rows every
	// cycle rely on it to never double-enqueue a logical unit of work.
	ErrDuplicateJob = errors.New("job with this id is already queued")

	// ErrQueueUnavailable reports that the broker cannot be reached.
	ErrQueueUnavailable = errors.New("queue broker unavailable")

	// ErrJobNotFound reports that a job id has no stored job data.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotYetDue is the sentinel matched by errors.Is for NotYetDueError.
	ErrNotYetDue = errors.New("job not yet due")
)

// NotYetDueError is returned by a handler that received a job before its due
// time. The worker runtime re-schedules the job for the indicated time
// without consuming an attempt. Pollers filter on due time, so a worker
// seeing this is exceptional and logged as such.
type NotYetDueError struct {
	Due time.Time
}

func (e *NotYetDueError) Error() string {
	return fmt.Sprintf("job not yet due until %s", e.Due.Format(time.RFC3339))
}

func (e *NotYetDueError) Is(target error) bool {
	return target == ErrNotYetDue
}

// NotYetDue builds a NotYetDueError for the given due time.
func NotYetDue(due time.Time) error {
	return &NotYetDueError{Due: due}
}

// Job is a unit of work bound to a named queue. The ID is deterministic per
// logical entity (e.g. "scheduled-email-42") so re-enqueueing the same due
// row is a no-op while the first job is still queued or running.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	// Delay postpones the first execution; zero means ready immediately.
	Delay time.Duration `json:"delay,omitempty"`
	// BackoffBase is the base delay for exponential retry backoff.
	BackoffBase time.Duration `json:"backoff_base,omitempty"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	LastError   string        `json:"last_error,omitempty"`
}

// NewJob builds a job with the given deterministic ID and a JSON-encoded
// payload. Default policy: 3 attempts, 5s exponential backoff base.
func NewJob(id string, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	return &Job{
		ID:          id,
		Payload:     data,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
	}, nil
}

// NewRawJob builds a job around an already-encoded payload, with the same
// default policy as NewJob. Used by the outbox relay, whose payloads were
// encoded when the intent was recorded.
func NewRawJob(id string, payload []byte) *Job {
	return &Job{
		ID:          id,
		Payload:     payload,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
	}
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}

// Handler processes a single job. Returning nil completes and removes the
// job; a NotYetDueError re-schedules it without consuming an attempt; any
// other error consumes an attempt and triggers retry or the dead set.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions configure a queue's worker runtime.
type WorkerOptions struct {
	// Concurrency is the number of worker goroutines. The queue's total
	// throughput is additionally capped at Concurrency*10 jobs/second to
	// protect downstream provider rate limits.
	Concurrency int

	// OnDead runs after a job exhausts its attempts and lands in the dead
	// set, letting the owner mark its backing row FAILED. Optional.
	OnDead func(ctx context.Context, job *Job, jobErr error)
}

// Depth describes how many jobs a queue holds per state.
type Depth struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Queue is a named job queue bound to a broker connection.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a job. A job whose ID is already queued returns
	// ErrDuplicateJob and changes nothing.
	Enqueue(ctx context.Context, job *Job) error

	// Process runs the worker loop until ctx is cancelled. It blocks; run
	// it in its own goroutine.
	Process(ctx context.Context, handler Handler, opts WorkerOptions) error

	// Depth reports the number of queued jobs per state.
	Depth(ctx context.Context) (Depth, error)

	// DeadJobs lists up to limit jobs from the dead set, newest first.
	DeadJobs(ctx context.Context, limit int64) ([]*Job, error)

	// RetryDead moves up to limit dead jobs back to the ready state and
	// returns how many were requeued.
	RetryDead(ctx context.Context, limit int64) (int64, error)
}

// Broker owns the connection shared by all named queues.
type Broker interface {
	// Queue binds a logical queue name to this broker. Calling it twice
	// with the same name returns the same queue.
	Queue(name string) Queue

	// QueueNames lists the queues bound so far.
	QueueNames() []string

	// Available reports whether the broker connection is live. The null
	// broker reports false.
	Available() bool

	// Close releases the broker connection, waiting up to ctx's deadline.
	Close(ctx context.Context) error
}

// RetryDelay computes the exponential backoff delay before the given attempt
// number (1-based) is retried: base * 2^(attempt-1) with ±10% jitter, capped
// at 10 minutes.
func RetryDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 5 * time.Second
	}

	shift := uint(attempt - 1)
	if shift > 20 {
		shift = 20
	}
	delay := base << shift
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.1 * (2.0*rand.Float64() - 1.0))
	return delay + jitter
}
