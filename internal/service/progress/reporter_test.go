package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/queue"
	"github.com/lovelink/mailer/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type campaignFunc func(ctx context.Context, id string) (*domain.Campaign, error)

func (f campaignFunc) Get(ctx context.Context, id string) (*domain.Campaign, error) { return f(ctx, id) }

func TestThroughput(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		sent    int
		queued  int
		started *time.Time
		now     time.Time
		epm     float64
		eta     int64
	}{
		{"not started", 10, 10, nil, start, 0, 0},
		{"nothing sent", 0, 10, &start, start.Add(time.Minute), 0, 0},
		{"steady", 100, 150, &start, start.Add(2 * time.Minute), 50, 180},
		{"rounds up", 30, 7, &start, start.Add(time.Minute), 30, 14},
		{"drained", 250, 0, &start, start.Add(5 * time.Minute), 50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			epm, eta := Throughput(tt.sent, tt.queued, tt.started, tt.now)
			assert.InDelta(t, tt.epm, epm, 0.001)
			assert.Equal(t, tt.eta, eta)
		})
	}
}

func TestReporter_MergesSources(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := queue.NewStore(client)
	limiter := worker.NewRateLimiter(client)

	start := time.Now().Add(-2 * time.Minute).UTC()
	camp := &domain.Campaign{
		ID: "c1", Name: "Spring", Status: domain.CampaignSending, SendRate: 100,
		TotalRecipients: 4, SentCount: 2, OpenCount: 1, StartedAt: &start,
	}

	items := make([]domain.QueuedEmail, 4)
	for i := range items {
		items[i] = domain.QueuedEmail{CampaignID: "c1", TrackingID: string(rune('a' + i)), UserID: string(rune('a' + i))}
	}
	require.NoError(t, store.InitProgress(ctx, "c1", 4))
	require.NoError(t, store.MarkStarted(ctx, "c1", start))
	require.NoError(t, store.Push(ctx, "c1", items))
	for i := 0; i < 2; i++ {
		it, err := store.Pop(ctx, "c1")
		require.NoError(t, err)
		require.NoError(t, store.MarkProcessed(ctx, it))
		require.NoError(t, limiter.RecordSend(ctx, "c1"))
	}
	it, err := store.Pop(ctx, "c1")
	require.NoError(t, err)
	_, err = store.MoveToDeadLetter(ctx, it, "recipient no longer exists")
	require.NoError(t, err)

	r := NewReporter(campaignFunc(func(context.Context, string) (*domain.Campaign, error) { return camp, nil }), store, limiter, 0)
	st, err := r.GetCampaignStatus(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignSending, st.Status)
	assert.Equal(t, 2, st.Counters.Sent)
	assert.Equal(t, 1, st.Counters.Opened)
	assert.Equal(t, 2, st.Progress.Sent)
	assert.Equal(t, 1, st.Progress.Failed)
	assert.Equal(t, 1, st.Progress.Queued)
	assert.Equal(t, int64(1), st.Queue.Pending)
	assert.Equal(t, int64(1), st.Queue.DeadLetter)
	assert.Equal(t, 100, st.RateLimit.Limit)
	assert.Equal(t, 2, st.RateLimit.Used)
	assert.Equal(t, 98, st.RateLimit.Remaining)
	assert.InDelta(t, 1.0, st.EmailsPerMinute, 0.05)
	assert.Greater(t, st.EstimatedSecondsRemaining, int64(0))
	assert.InDelta(t, 75.0, st.PercentComplete, 0.001)
}

func TestReporter_CompletedIsFull(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	camp := &domain.Campaign{ID: "c1", Status: domain.CampaignCompleted}
	r := NewReporter(campaignFunc(func(context.Context, string) (*domain.Campaign, error) { return camp, nil }),
		queue.NewStore(client), worker.NewRateLimiter(client), 0)

	st, err := r.GetCampaignStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, st.PercentComplete)
	assert.Zero(t, st.EstimatedSecondsRemaining)
}

func TestReporter_UnratedCampaignReportsDefaultRate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := worker.NewRateLimiter(client)
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.RecordSend(ctx, "c1"))
	}
	decision, err := limiter.CheckRateLimit(ctx, "c1", 100)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	camp := &domain.Campaign{ID: "c1", Status: domain.CampaignSending}
	r := NewReporter(campaignFunc(func(context.Context, string) (*domain.Campaign, error) { return camp, nil }),
		queue.NewStore(client), limiter, 100)

	st, err := r.GetCampaignStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 100, st.SendRate)
	assert.Equal(t, 100, st.RateLimit.Limit)
	assert.Equal(t, 100, st.RateLimit.Used)
	assert.Zero(t, st.RateLimit.Remaining)
	assert.Greater(t, st.RateLimit.ResetMs, int64(0))
}
