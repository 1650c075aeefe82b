package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePollerStore struct {
	mu          sync.Mutex
	emails      []*store.ScheduledEmail
	snoozes     []*store.EmailSnooze
	connections []*store.CalendarConnection
	err         error
	lastCutoff  time.Time
}

func (s *fakePollerStore) FindDueScheduledEmails(ctx context.Context, now time.Time, limit int) ([]*store.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.emails) > limit {
		return s.emails[:limit], nil
	}
	return s.emails, nil
}

func (s *fakePollerStore) FindDueSnoozes(ctx context.Context, now time.Time, limit int) ([]*store.EmailSnooze, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.snoozes, nil
}

func (s *fakePollerStore) FindSyncDueConnections(ctx context.Context, olderThan time.Time, limit int) ([]*store.CalendarConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCutoff = olderThan
	if s.err != nil {
		return nil, s.err
	}
	return s.connections, nil
}

func (s *fakePollerStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakePollerStore) cutoff() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCutoff
}

func startPoller(t *testing.T, p *Poller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("poller did not stop after cancellation")
		}
	})
}

func queueDepth(t *testing.T, broker queue.Broker, name string) queue.Depth {
	t.Helper()
	depth, err := broker.Queue(name).Depth(context.Background())
	require.NoError(t, err)
	return depth
}

func TestScheduledEmailPollerPromotesDueRows(t *testing.T) {
	st := &fakePollerStore{
		emails: []*store.ScheduledEmail{
			{ID: 1, ToAddress: "a@example.com"},
			{ID: 2, ToAddress: "b@example.com"},
		},
	}
	broker := queue.NewMemoryBroker(testLogger())
	p := NewScheduledEmailPoller(st, broker, 20*time.Millisecond, 100, testLogger())
	startPoller(t, p)

	require.Eventually(t, func() bool {
		return queueDepth(t, broker, dispatch.QueueScheduledEmail).Ready == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The rows stay due until a worker consumes them; later cycles hit the
	// dedupe guard instead of double-enqueueing.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int64(2), queueDepth(t, broker, dispatch.QueueScheduledEmail).Ready)
}

func TestSnoozeRestorePollerPromotesDueRows(t *testing.T) {
	st := &fakePollerStore{
		snoozes: []*store.EmailSnooze{{ID: 9, UserID: "u-1"}},
	}
	broker := queue.NewMemoryBroker(testLogger())
	p := NewSnoozeRestorePoller(st, broker, 20*time.Millisecond, 100, testLogger())
	startPoller(t, p)

	require.Eventually(t, func() bool {
		return queueDepth(t, broker, dispatch.QueueSnoozeRestore).Ready == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCalendarSyncPollerUsesIntervalCutoff(t *testing.T) {
	st := &fakePollerStore{
		connections: []*store.CalendarConnection{{ID: "conn-1", UserID: "u-1"}},
	}
	broker := queue.NewMemoryBroker(testLogger())
	p := NewCalendarSyncPoller(st, broker, 50*time.Millisecond, 100, testLogger())
	startPoller(t, p)

	require.Eventually(t, func() bool {
		return queueDepth(t, broker, dispatch.QueueCalendarSync).Ready == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Only connections stale for at least one interval are due.
	cutoff := st.cutoff()
	assert.False(t, cutoff.IsZero())
	assert.True(t, cutoff.Before(time.Now()))
}

func TestPollerRecoversAfterStoreError(t *testing.T) {
	st := &fakePollerStore{
		emails: []*store.ScheduledEmail{{ID: 3}},
		err:    errors.New("database unreachable"),
	}
	broker := queue.NewMemoryBroker(testLogger())
	p := NewScheduledEmailPoller(st, broker, 20*time.Millisecond, 100, testLogger())
	startPoller(t, p)

	// Failed cycles promote nothing.
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, queueDepth(t, broker, dispatch.QueueScheduledEmail).Ready)

	st.setErr(nil)
	require.Eventually(t, func() bool {
		return queueDepth(t, broker, dispatch.QueueScheduledEmail).Ready == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPollerFirstCycleRunsImmediately(t *testing.T) {
	st := &fakePollerStore{
		emails: []*store.ScheduledEmail{{ID: 4}},
	}
	broker := queue.NewMemoryBroker(testLogger())
	// With an hour between ticks, only an eager first cycle can promote
	// within the assertion window.
	p := NewScheduledEmailPoller(st, broker, time.Hour, 100, testLogger())
	startPoller(t, p)

	require.Eventually(t, func() bool {
		return queueDepth(t, broker, dispatch.QueueScheduledEmail).Ready == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPollerSkipsOverlappingCycles(t *testing.T) {
	var active, maxActive, cycles int64
	release := make(chan struct{})

	p := New("slow", 15*time.Millisecond, 10, func(ctx context.Context, limit int) (int, error) {
		cur := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)
		for {
			prev := atomic.LoadInt64(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxActive, prev, cur) {
				break
			}
		}
		atomic.AddInt64(&cycles, 1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 0, nil
	}, testLogger())
	startPoller(t, p)

	// Let several ticks fire while the first cycle is still blocked.
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&cycles) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), atomic.LoadInt64(&maxActive),
		"cycles must never run concurrently")
}

func TestPollerBatchLimit(t *testing.T) {
	var emails []*store.ScheduledEmail
	for i := int64(1); i <= 7; i++ {
		emails = append(emails, &store.ScheduledEmail{ID: i})
	}
	st := &fakePollerStore{emails: emails}
	broker := queue.NewMemoryBroker(testLogger())
	p := NewScheduledEmailPoller(st, broker, time.Hour, 5, testLogger())
	startPoller(t, p)

	require.Eventually(t, func() bool {
		return queueDepth(t, broker, dispatch.QueueScheduledEmail).Ready == 5
	}, time.Second, 10*time.Millisecond)
}
