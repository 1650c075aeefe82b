package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/cache"
	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/ratelimit"
	"github.com/outflowhq/outflow/internal/reputation"
	"github.com/outflowhq/outflow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReputation struct {
	mu      sync.Mutex
	limits  map[string]reputation.SendingLimits
	records map[string]*store.DomainReputation
	err     error
}

func newFakeReputation() *fakeReputation {
	return &fakeReputation{
		limits:  make(map[string]reputation.SendingLimits),
		records: make(map[string]*store.DomainReputation),
	}
}

func (f *fakeReputation) SendingLimits(_ context.Context, domainID string) (reputation.SendingLimits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return reputation.SendingLimits{}, f.err
	}
	if l, ok := f.limits[domainID]; ok {
		return l, nil
	}
	return reputation.SendingLimits{Daily: 50, Hourly: 5, InWarmup: true}, nil
}

func (f *fakeReputation) GoodStanding(_ context.Context, domainID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	rec, ok := f.records[domainID]
	if !ok {
		return true, nil
	}
	return reputation.GoodStanding(rec), nil
}

func (f *fakeReputation) Snapshot(_ context.Context, domainID string) (*store.DomainReputation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[domainID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

type fixture struct {
	server     *Server
	broker     queue.Broker
	reputation *fakeReputation
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	broker := queue.NewMemoryBroker(testLogger())
	rep := newFakeReputation()

	deps := Deps{
		Broker:     broker,
		Reputation: rep,
		Logger:     testLogger(),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &fixture{
		server:     NewServer(Config{}, deps),
		broker:     broker,
		reputation: rep,
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.GoVersion)
	assert.False(t, health.StartedAt.IsZero())
}

func TestReadyz(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) {
			d.Ready = func(ctx context.Context) error { return nil }
		})
		rec := f.do(http.MethodGet, "/readyz", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ready")
	})

	t.Run("dependency down", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) {
			d.Ready = func(ctx context.Context) error { return errors.New("database unreachable") }
		})
		rec := f.do(http.MethodGet, "/readyz", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "database unreachable")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTrackingEventIngestion(t *testing.T) {
	f := newFixture(t)

	body := `{"domain_id":"dom-1","email":"lee@example.com","provider":"gmail","error":"550 5.1.1 no such user"}`
	rec := f.do(http.MethodPost, "/v1/events/bounce", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "queued")

	depth, err := f.broker.Queue(dispatch.QueueTrackingEvents).Depth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), depth.Ready)

	var mu sync.Mutex
	var got dispatch.TrackingJob
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- f.broker.Queue(dispatch.QueueTrackingEvents).Process(ctx, func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			defer mu.Unlock()
			return job.Decode(&got)
		}, queue.WorkerOptions{Concurrency: 1})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Email == "lee@example.com"
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, dispatch.TrackingBounce, got.Type)
	assert.Equal(t, "dom-1", got.DomainID)
	assert.Equal(t, "550 5.1.1 no such user", got.RawError)
	assert.False(t, got.OccurredAt.IsZero(), "ingestion must stamp a receive time")
}

func TestTrackingEventRoutes(t *testing.T) {
	f := newFixture(t)

	paths := []string{"delivery", "open", "click", "bounce", "complaint", "reply"}
	for _, p := range paths {
		rec := f.do(http.MethodPost, "/v1/events/"+p, `{"email":"lee@example.com"}`)
		require.Equal(t, http.StatusAccepted, rec.Code, "POST /v1/events/%s", p)
	}

	depth, err := f.broker.Queue(dispatch.QueueTrackingEvents).Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(paths)), depth.Ready)
}

func TestTrackingEventValidation(t *testing.T) {
	f := newFixture(t)

	t.Run("missing email", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/events/open", `{"domain_id":"dom-1"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "email is required")
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/events/open", `{"email":`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid JSON body")
	})
}

func TestSendingLimitsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.reputation.limits["dom-1"] = reputation.SendingLimits{Daily: 5000, Hourly: 208, InWarmup: false}

	rec := f.do(http.MethodGet, "/v1/domains/dom-1/sending-limits", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, float64(5000), body["daily_limit"])
	assert.Equal(t, float64(208), body["hourly_limit"])
	assert.Equal(t, false, body["is_in_warmup"])
}

func TestSendingLimitsDefaultsForNewDomain(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/domains/never-sent/sending-limits", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, float64(50), body["daily_limit"])
	assert.Equal(t, float64(5), body["hourly_limit"])
	assert.Equal(t, true, body["is_in_warmup"])
}

func TestStandingEndpoint(t *testing.T) {
	t.Run("poor standing", func(t *testing.T) {
		f := newFixture(t)
		f.reputation.records["dom-1"] = &store.DomainReputation{
			DomainID:       "dom-1",
			Score:          42,
			BounceRate:     7.5,
			ComplaintRate:  0.2,
			WarmupComplete: true,
		}

		rec := f.do(http.MethodGet, "/v1/domains/dom-1/standing", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body standingResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.False(t, body.InGoodStanding)
		assert.Equal(t, 42, body.Score)
		assert.Equal(t, 7.5, body.BounceRate)
		assert.False(t, body.InWarmup)
	})

	t.Run("never-sent domain reports defaults", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(http.MethodGet, "/v1/domains/fresh/standing", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body standingResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.True(t, body.InGoodStanding)
		assert.Equal(t, 100, body.Score)
		assert.True(t, body.InWarmup)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(t)
		f.reputation.err = errors.New("connection refused")

		rec := f.do(http.MethodGet, "/v1/domains/dom-1/standing", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "failed to load domain reputation")
	})
}

func TestRateLimitInFrontOfRoutes(t *testing.T) {
	c := cache.NewMemory()
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })

	limiter := ratelimit.New(c, 1, 10, testLogger())
	mw := ratelimit.NewMiddleware(limiter, ratelimit.MiddlewareConfig{
		Enabled:       true,
		ExcludedPaths: []string{"/healthz", "/readyz", "/metrics"},
	}, testLogger())

	f := newFixture(t, func(d *Deps) { d.RateLimit = mw })

	rec := f.do(http.MethodGet, "/v1/domains/dom-1/standing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = f.do(http.MethodGet, "/v1/domains/dom-1/standing", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	for i := 0; i < 5; i++ {
		rec = f.do(http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusOK, rec.Code, "probes must bypass the limiter")
	}
}

func TestLogLevelEndpoint(t *testing.T) {
	previous := logging.GetLevelManager().GetLevel()
	t.Cleanup(func() { logging.GetLevelManager().SetLevel(previous) })

	f := newFixture(t)

	rec := f.do(http.MethodPut, "/v1/admin/log-level", `{"level":"DEBUG"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, slog.LevelDebug, logging.GetLevelManager().GetLevel())

	rec = f.do(http.MethodGet, "/v1/admin/log-level", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "DEBUG")

	rec = f.do(http.MethodPut, "/v1/admin/log-level", `{"level":"LOUD"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
