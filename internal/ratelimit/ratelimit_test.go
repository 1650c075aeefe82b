package ratelimit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCache(t *testing.T) *cache.Memory {
	t.Helper()
	c := cache.NewMemory()
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLimiterAdmitsUpToCeiling(t *testing.T) {
	l := New(testCache(t), 3, 30, testLogger())
	origin := Origin{Tier: TierIP, Key: "203.0.113.7"}

	for i := 0; i < 3; i++ {
		d := l.Allow(context.Background(), origin)
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Allow(context.Background(), origin)
	require.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, Window, d.RetryAfter)
	assert.True(t, d.Reset.After(time.Now().Add(-Window)))
}

func TestLimiterKeepsOriginsSeparate(t *testing.T) {
	l := New(testCache(t), 1, 30, testLogger())

	first := l.Allow(context.Background(), Origin{Tier: TierIP, Key: "203.0.113.7"})
	require.True(t, first.Allowed)
	blocked := l.Allow(context.Background(), Origin{Tier: TierIP, Key: "203.0.113.7"})
	require.False(t, blocked.Allowed)

	other := l.Allow(context.Background(), Origin{Tier: TierIP, Key: "203.0.113.8"})
	assert.True(t, other.Allowed)
}

func TestLimiterUserTierCeiling(t *testing.T) {
	l := New(testCache(t), 1, 3, testLogger())
	user := Origin{Tier: TierUser, Key: "42"}

	for i := 0; i < 3; i++ {
		d := l.Allow(context.Background(), user)
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3, d.Limit)
	}
	d := l.Allow(context.Background(), user)
	assert.False(t, d.Allowed)
}

func TestLimiterWindowRollover(t *testing.T) {
	l := New(testCache(t), 2, 30, testLogger())
	base := time.Unix(1700000040, 0)
	l.now = func() time.Time { return base }
	origin := Origin{Tier: TierIP, Key: "203.0.113.7"}

	require.True(t, l.Allow(context.Background(), origin).Allowed)
	require.True(t, l.Allow(context.Background(), origin).Allowed)
	require.False(t, l.Allow(context.Background(), origin).Allowed)

	l.now = func() time.Time { return base.Add(Window) }
	d := l.Allow(context.Background(), origin)
	assert.True(t, d.Allowed, "new window must start a fresh counter")
	assert.Equal(t, 1, d.Remaining)
}

func TestLimiterFailsOpen(t *testing.T) {
	disconnected := cache.NewMemory()
	l := New(disconnected, 1, 30, testLogger())
	origin := Origin{Tier: TierIP, Key: "203.0.113.7"}

	for i := 0; i < 5; i++ {
		d := l.Allow(context.Background(), origin)
		require.True(t, d.Allowed, "store outage must not reject requests")
		assert.Equal(t, 1, d.Limit)
	}
}

func newTestMiddleware(t *testing.T, ipLimit, userLimit int, cfg MiddlewareConfig) http.Handler {
	t.Helper()
	l := New(testCache(t), ipLimit, userLimit, testLogger())
	mw := NewMiddleware(l, cfg, testLogger())
	return mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	handler := newTestMiddleware(t, 2, 30, MiddlewareConfig{Enabled: true})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/open", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Add(-time.Minute).Unix())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/events/open", nil))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/open", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate limit exceeded", body.Error)
	assert.Equal(t, 60, body.RetryAfter)
}

func TestMiddlewareKillSwitch(t *testing.T) {
	handler := newTestMiddleware(t, 1, 1, MiddlewareConfig{Enabled: false})

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/open", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddlewareExcludedPaths(t *testing.T) {
	handler := newTestMiddleware(t, 1, 1, MiddlewareConfig{
		Enabled:       true,
		ExcludedPaths: []string{"/healthz", "/readyz", "/metrics"},
	})

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/open", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/open", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMiddlewareUserTierBehindTrustedProxy(t *testing.T) {
	handler := newTestMiddleware(t, 1, 3, MiddlewareConfig{
		Enabled:        true,
		TrustedProxies: []string{"192.0.2.1"},
	})

	authed := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/events/open", nil)
		r.Header.Set(UserHeader, "42")
		return r
	}

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authed())
		require.Equal(t, http.StatusOK, rec.Code, "authenticated request %d", i+1)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authed())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMiddlewareIgnoresUserHeaderFromUntrustedPeer(t *testing.T) {
	handler := newTestMiddleware(t, 1, 100, MiddlewareConfig{Enabled: true})

	first := httptest.NewRequest(http.MethodGet, "/v1/events/open", nil)
	first.Header.Set(UserHeader, "42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"), "untrusted peer stays on the IP tier")

	second := httptest.NewRequest(http.MethodGet, "/v1/events/open", nil)
	second.Header.Set(UserHeader, "other-user")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "claimed identities must not shard the counter")
}

func TestMiddlewareForwardedForBehindTrustedProxy(t *testing.T) {
	handler := newTestMiddleware(t, 1, 100, MiddlewareConfig{
		Enabled:        true,
		TrustedProxies: []string{"192.0.2.0/24"},
	})

	viaProxy := func(client string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/events/open", nil)
		r.Header.Set("X-Forwarded-For", client+", 192.0.2.10")
		return r
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, viaProxy("203.0.113.7"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, viaProxy("203.0.113.7"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "same forwarded client shares one counter")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, viaProxy("203.0.113.8"))
	assert.Equal(t, http.StatusOK, rec.Code, "different forwarded clients count separately")
}
