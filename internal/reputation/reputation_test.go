package reputation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/cache"
	"github.com/outflowhq/outflow/internal/store"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		want   int
	}{
		{"never sent", Counts{}, 100},
		{"clean sender", Counts{Sent: 1000}, 100},
		{"six percent bounce rate", Counts{Sent: 1000, Bounced: 60}, 50},
		{"three percent bounce rate", Counts{Sent: 1000, Bounced: 30}, 75},
		{"just over one percent bounce rate", Counts{Sent: 1000, Bounced: 11}, 90},
		{"exactly one percent is not penalized", Counts{Sent: 1000, Bounced: 10}, 100},
		{"bands do not stack", Counts{Sent: 100, Bounced: 10}, 50},
		{"heavy complaints", Counts{Sent: 1000, Complaints: 6}, 60},
		{"moderate complaints", Counts{Sent: 1000, Complaints: 2}, 80},
		{"light complaints", Counts{Sent: 10000, Complaints: 6}, 90},
		{"bounces and complaints both deduct", Counts{Sent: 1000, Bounced: 60, Complaints: 6}, 10},
		{"bonuses apply after penalties", Counts{Sent: 1000, Bounced: 60, Complaints: 6, Opened: 400, Clicked: 60}, 20},
		{"engagement bonus", Counts{Sent: 1000, Opened: 400}, 100},
		{"bonus recovers a penalty", Counts{Sent: 1000, Bounced: 11, Opened: 400, Clicked: 60}, 100},
		{"ceiling at one hundred", Counts{Sent: 1000, Opened: 999, Clicked: 999}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.counts))
		})
	}
}

func TestRatesWithZeroSent(t *testing.T) {
	c := Counts{Bounced: 5, Complaints: 5, Opened: 5, Clicked: 5}
	assert.Zero(t, c.BounceRate())
	assert.Zero(t, c.ComplaintRate())
	assert.Zero(t, c.OpenRate())
	assert.Zero(t, c.ClickRate())
}

func TestLimitsFor(t *testing.T) {
	t.Run("no record means warm-up defaults", func(t *testing.T) {
		limits := LimitsFor(nil)
		assert.Equal(t, SendingLimits{Daily: 50, Hourly: 5, InWarmup: true}, limits)
	})

	t.Run("warm-up growth", func(t *testing.T) {
		tests := []struct {
			days       int
			wantDaily  int
			wantHourly int
		}{
			{0, 50, 2},
			{1, 75, 3},
			{3, 168, 7},
			{7, 854, 35},
			{14, 10000, 416},
		}
		for _, tt := range tests {
			limits := LimitsFor(&store.DomainReputation{WarmupDays: tt.days})
			assert.Equal(t, tt.wantDaily, limits.Daily, "daily for %d days", tt.days)
			assert.Equal(t, tt.wantHourly, limits.Hourly, "hourly for %d days", tt.days)
			assert.True(t, limits.InWarmup)
		}
	})

	t.Run("mature tiers by score", func(t *testing.T) {
		tests := []struct {
			score     int
			wantDaily int
		}{
			{10, 100},
			{49, 100},
			{50, 1000},
			{74, 1000},
			{75, 5000},
			{89, 5000},
			{90, 10000},
			{100, 10000},
		}
		for _, tt := range tests {
			limits := LimitsFor(&store.DomainReputation{WarmupComplete: true, Score: tt.score})
			assert.Equal(t, tt.wantDaily, limits.Daily, "daily for score %d", tt.score)
			assert.Equal(t, tt.wantDaily/24, limits.Hourly, "hourly for score %d", tt.score)
			assert.False(t, limits.InWarmup)
		}
	})
}

func TestGoodStanding(t *testing.T) {
	tests := []struct {
		name string
		rec  *store.DomainReputation
		want bool
	}{
		{"no record", nil, true},
		{"healthy", &store.DomainReputation{TotalSent: 1000, TotalBounced: 10, Score: 95}, true},
		{"bounce rate above five percent", &store.DomainReputation{TotalSent: 1000, TotalBounced: 51, Score: 95}, false},
		{"bounce rate exactly five percent", &store.DomainReputation{TotalSent: 1000, TotalBounced: 50, Score: 95}, true},
		{"complaint rate above half percent", &store.DomainReputation{TotalSent: 1000, TotalComplaints: 6, Score: 95}, false},
		{"score below fifty", &store.DomainReputation{TotalSent: 1000, Score: 49}, false},
		{"score exactly fifty", &store.DomainReputation{TotalSent: 1000, Score: 50}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GoodStanding(tt.rec))
		})
	}
}

// fakeRepStore is an in-memory Store mirroring the SQL upsert semantics.
type fakeRepStore struct {
	recs   map[string]*store.DomainReputation
	events []*store.EmailEvent
}

func newFakeRepStore() *fakeRepStore {
	return &fakeRepStore{recs: make(map[string]*store.DomainReputation)}
}

func (f *fakeRepStore) GetDomainReputation(ctx context.Context, domainID string) (*store.DomainReputation, error) {
	rec, ok := f.recs[domainID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeRepStore) AddDomainCounts(ctx context.Context, domainID string, d store.CountsDelta) error {
	rec, ok := f.recs[domainID]
	if !ok {
		rec = &store.DomainReputation{DomainID: domainID, Score: 100}
		f.recs[domainID] = rec
	}
	rec.TotalSent += d.Sent
	rec.TotalDelivered += d.Delivered
	rec.TotalBounced += d.Bounced
	rec.TotalComplaints += d.Complaints
	rec.TotalOpened += d.Opened
	rec.TotalClicked += d.Clicked
	if d.Sent > 0 {
		today := time.Now().Truncate(24 * time.Hour)
		if rec.LastSendDate == nil || !rec.LastSendDate.Equal(today) {
			rec.WarmupDays++
			rec.LastSendDate = &today
		}
	}
	return nil
}

func (f *fakeRepStore) UpdateReputationScore(ctx context.Context, domainID string, score, graduationDays int) error {
	rec, ok := f.recs[domainID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Score = score
	if rec.WarmupDays >= graduationDays {
		rec.WarmupComplete = true
	}
	now := time.Now()
	rec.LastCalculatedAt = &now
	return nil
}

func (f *fakeRepStore) InsertEmailEvent(ctx context.Context, ev *store.EmailEvent) (int64, error) {
	f.events = append(f.events, ev)
	return int64(len(f.events)), nil
}

func newTestService(t *testing.T) (*Service, *fakeRepStore) {
	t.Helper()

	c, err := cache.Factory(cache.Config{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })

	st := newFakeRepStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, c, 30, logger), st
}

func TestServiceRecordBouncedRecalculates(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordSent(ctx, "dom.example.com", 100))
	for i := 0; i < 7; i++ {
		require.NoError(t, svc.RecordBounced(ctx, "dom.example.com"))
	}

	rec := st.recs["dom.example.com"]
	assert.Equal(t, int64(100), rec.TotalSent)
	assert.Equal(t, int64(7), rec.TotalBounced)
	// 7% bounce rate lands in the worst band.
	assert.Equal(t, 50, rec.Score)
	assert.NotNil(t, rec.LastCalculatedAt)
}

func TestServiceRecordComplaintRecalculates(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordSent(ctx, "dom.example.com", 1000))
	require.NoError(t, svc.RecordComplaint(ctx, "dom.example.com"))
	require.NoError(t, svc.RecordComplaint(ctx, "dom.example.com"))

	// 0.2% complaint rate deducts 20.
	assert.Equal(t, 80, st.recs["dom.example.com"].Score)
}

func TestServiceLimitsAndStandingForUnknownDomain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	limits, err := svc.SendingLimits(ctx, "never-sent.example.com")
	require.NoError(t, err)
	assert.Equal(t, SendingLimits{Daily: 50, Hourly: 5, InWarmup: true}, limits)

	ok, err := svc.GoodStanding(ctx, "never-sent.example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	score, err := svc.Recalculate(ctx, "never-sent.example.com")
	require.NoError(t, err)
	assert.Equal(t, 100, score)
}

func TestServiceSendCounters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	assert.Zero(t, svc.HourlySends(ctx, "dom.example.com"))
	assert.Zero(t, svc.DailySends(ctx, "dom.example.com"))

	require.NoError(t, svc.RecordSent(ctx, "dom.example.com", 3))
	require.NoError(t, svc.RecordSent(ctx, "dom.example.com", 2))

	assert.Equal(t, int64(5), svc.HourlySends(ctx, "dom.example.com"))
	assert.Equal(t, int64(5), svc.DailySends(ctx, "dom.example.com"))
	// Counters are per domain.
	assert.Zero(t, svc.HourlySends(ctx, "other.example.com"))
	assert.Zero(t, svc.DailySends(ctx, "other.example.com"))
}

func TestServiceEngagementEvents(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordSent(ctx, "dom.example.com", 10))
	require.NoError(t, svc.RecordDelivered(ctx, "dom.example.com", "sam@example.org", "msg-1"))
	require.NoError(t, svc.RecordOpened(ctx, "dom.example.com", "sam@example.org", "msg-1"))
	require.NoError(t, svc.RecordClicked(ctx, "dom.example.com", "sam@example.org", "msg-1"))

	rec := st.recs["dom.example.com"]
	assert.Equal(t, int64(1), rec.TotalDelivered)
	assert.Equal(t, int64(1), rec.TotalOpened)
	assert.Equal(t, int64(1), rec.TotalClicked)

	require.Len(t, st.events, 3)
	assert.Equal(t, "delivery", st.events[0].EventType)
	assert.Equal(t, "open", st.events[1].EventType)
	assert.Equal(t, "click", st.events[2].EventType)
}
