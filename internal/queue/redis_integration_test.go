package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// TestRedisBrokerIntegration exercises the Redis broker against a real
// server. It is skipped in short mode and when no server is reachable.
func TestRedisBrokerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("outflow-test-%d", time.Now().UnixNano())

	broker, err := Connect(ctx, RedisConfig{Addr: addr, KeyPrefix: prefix}, testLogger())
	if err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	defer broker.Close(ctx)

	t.Cleanup(func() {
		keys, err := broker.client.Keys(ctx, prefix+":*").Result()
		if err == nil && len(keys) > 0 {
			broker.client.Del(ctx, keys...)
		}
	})

	q := broker.Queue("scheduled-email")

	t.Run("EnqueueAndDeduplicate", func(t *testing.T) {
		job, err := NewJob("scheduled-email-1", map[string]any{"email_id": 1})
		if err != nil {
			t.Fatalf("NewJob failed: %v", err)
		}
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		dup, _ := NewJob("scheduled-email-1", map[string]any{"email_id": 1})
		if err := q.Enqueue(ctx, dup); !errors.Is(err, ErrDuplicateJob) {
			t.Errorf("expected ErrDuplicateJob, got %v", err)
		}

		depth, err := q.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth failed: %v", err)
		}
		if depth.Ready != 1 {
			t.Errorf("expected 1 ready job, got %d", depth.Ready)
		}
	})

	t.Run("ProcessCompletesAndReleasesID", func(t *testing.T) {
		var mu sync.Mutex
		processed := 0

		procCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- q.Process(procCtx, func(ctx context.Context, job *Job) error {
				var payload struct {
					EmailID int64 `json:"email_id"`
				}
				if err := job.Decode(&payload); err != nil {
					return err
				}
				mu.Lock()
				processed++
				mu.Unlock()
				return nil
			}, WorkerOptions{Concurrency: 2})
		}()

		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			depth, err := q.Depth(ctx)
			if err == nil && depth.Ready == 0 && depth.Delayed == 0 {
				mu.Lock()
				n := processed
				mu.Unlock()
				if n >= 1 {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
		}

		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Process returned error: %v", err)
		}

		mu.Lock()
		if processed != 1 {
			t.Errorf("expected 1 processed job, got %d", processed)
		}
		mu.Unlock()

		// Completion must release the dedupe slot.
		again, _ := NewJob("scheduled-email-1", map[string]any{"email_id": 1})
		if err := q.Enqueue(ctx, again); err != nil {
			t.Errorf("re-enqueue after completion failed: %v", err)
		}
	})

	t.Run("DelayedJobIsPromoted", func(t *testing.T) {
		dq := broker.Queue("snooze-restore")

		job, _ := NewJob("snooze-restore-1", map[string]any{"snooze_id": 1})
		job.Delay = 500 * time.Millisecond
		if err := dq.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		depth, _ := dq.Depth(ctx)
		if depth.Delayed != 1 {
			t.Fatalf("expected 1 delayed job, got %d", depth.Delayed)
		}

		ran := make(chan struct{}, 1)
		procCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- dq.Process(procCtx, func(ctx context.Context, job *Job) error {
				ran <- struct{}{}
				return nil
			}, WorkerOptions{Concurrency: 1})
		}()

		select {
		case <-ran:
		case <-time.After(10 * time.Second):
			t.Error("delayed job was never promoted and processed")
		}

		cancel()
		<-done
	})

	t.Run("FailedJobDiesAndCanBeRetried", func(t *testing.T) {
		fq := broker.Queue("campaign-dispatch")

		job, _ := NewJob("campaign-dispatch-1", map[string]any{"recipient_id": 1})
		job.MaxAttempts = 1
		if err := fq.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		var deadOnce sync.Once
		deadSeen := make(chan struct{})

		procCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- fq.Process(procCtx, func(ctx context.Context, job *Job) error {
				return errors.New("provider rejected message")
			}, WorkerOptions{
				Concurrency: 1,
				OnDead: func(ctx context.Context, job *Job, err error) {
					deadOnce.Do(func() { close(deadSeen) })
				},
			})
		}()

		select {
		case <-deadSeen:
		case <-time.After(10 * time.Second):
			t.Fatal("job never reached the dead set")
		}

		cancel()
		<-done

		dead, err := fq.DeadJobs(ctx, 10)
		if err != nil {
			t.Fatalf("DeadJobs failed: %v", err)
		}
		if len(dead) != 1 {
			t.Fatalf("expected 1 dead job, got %d", len(dead))
		}
		if dead[0].LastError == "" {
			t.Error("dead job should carry its last error")
		}

		requeued, err := fq.RetryDead(ctx, 10)
		if err != nil {
			t.Fatalf("RetryDead failed: %v", err)
		}
		if requeued != 1 {
			t.Errorf("expected 1 requeued job, got %d", requeued)
		}

		depth, _ := fq.Depth(ctx)
		if depth.Ready != 1 || depth.Dead != 0 {
			t.Errorf("expected job back in ready, got ready=%d dead=%d", depth.Ready, depth.Dead)
		}
	})
}
