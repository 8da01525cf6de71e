package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lovelink/mailer/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(client)
	s.now = clock.Now
	return s, mr, clock
}

func makeItems(campaignID string, n int) []domain.QueuedEmail {
	items := make([]domain.QueuedEmail, n)
	for i := range items {
		items[i] = domain.QueuedEmail{
			SendRecordID: fmt.Sprintf("rec-%d", i),
			CampaignID:   campaignID,
			UserID:       fmt.Sprintf("user-%d", i),
			Email:        fmt.Sprintf("user%d@example.com", i),
			TrackingID:   fmt.Sprintf("trk-%d", i),
			EnqueuedAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		}
	}
	return items
}

func TestPushPop_FIFO(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "c1", makeItems("c1", 3)))

	for i := 0; i < 3; i++ {
		item, err := s.Pop(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, fmt.Sprintf("trk-%d", i), item.TrackingID)
	}

	item, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestPush_LargeBatchIsChunked(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "c1", makeItems("c1", pushChunk*2+7)))

	d, err := s.Depths(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(pushChunk*2+7), d.Pending)
}

func TestPop_TracksInFlightUntilAcknowledged(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InitProgress(ctx, "c1", 1))
	require.NoError(t, s.Push(ctx, "c1", makeItems("c1", 1)))

	item, err := s.Pop(ctx, "c1")
	require.NoError(t, err)

	empty, err := s.IsEmpty(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, empty, "claimed item is still in flight")

	require.NoError(t, s.MarkProcessed(ctx, item))

	empty, err = s.IsEmpty(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, empty)

	done, err := s.WasProcessed(ctx, item)
	require.NoError(t, err)
	assert.True(t, done)

	p, err := s.GetProgress(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Sent)
	assert.Equal(t, 0, p.Queued)
	assert.Equal(t, 1, p.Total)
}

func TestRetry_DrainsAfterPendingAndWaitsUntilDue(t *testing.T) {
	s, _, clock := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, "c1", makeItems("c1", 2)))

	first, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	retried, err := s.PushToRetry(ctx, first, "421 try later", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "421 try later", retried.LastError)

	// pending still has trk-1, which comes before any retry
	next, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "trk-1", next.TrackingID)
	require.NoError(t, s.MarkProcessed(ctx, next))

	// retry is not due yet
	none, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, none)

	empty, err := s.IsEmpty(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, empty)

	clock.Advance(61 * time.Second)
	again, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "trk-0", again.TrackingID)
	assert.Equal(t, 1, again.Attempts)
}

func TestMoveToDeadLetter(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InitProgress(ctx, "c1", 1))
	require.NoError(t, s.Push(ctx, "c1", makeItems("c1", 1)))

	item, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	dead, err := s.MoveToDeadLetter(ctx, item, "user not found")
	require.NoError(t, err)
	assert.Equal(t, 1, dead.Attempts)

	letters, err := s.DeadLetters(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "trk-0", letters[0].TrackingID)
	assert.Equal(t, "user not found", letters[0].LastError)

	empty, err := s.IsEmpty(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, empty, "dead letters do not keep a campaign open")

	p, err := s.GetProgress(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 0, p.Queued)
}

func TestPauseFlag(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	paused, err := s.IsPaused(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, s.SetPaused(ctx, "c1", true))
	paused, err = s.IsPaused(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, s.SetPaused(ctx, "c1", false))
	paused, err = s.IsPaused(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestClear(t *testing.T) {
	s, mr, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InitProgress(ctx, "c1", 2))
	require.NoError(t, s.Push(ctx, "c1", makeItems("c1", 2)))
	require.NoError(t, s.SetPaused(ctx, "c1", true))
	_, err := s.Pop(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "c1"))

	for _, k := range allKeys("c1") {
		assert.False(t, mr.Exists(k), k)
	}
}

func TestRecoverStale(t *testing.T) {
	s, _, clock := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, "c1", makeItems("c1", 2)))

	_, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = s.Pop(ctx, "c1")
	require.NoError(t, err)

	n, err := s.RecoverStale(ctx, "c1", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the item claimed 10 minutes ago is stale")

	d, err := s.Depths(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Retry)
	assert.Equal(t, int64(1), d.InFlight)

	item, err := s.Pop(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "trk-0", item.TrackingID)
	assert.Equal(t, 0, item.Attempts)
}

func TestPop_UndecodableItemIsParked(t *testing.T) {
	s, mr, _ := setupStore(t)
	ctx := context.Background()
	_, err := mr.RPush(pendingKey("c1"), "{not json")
	require.NoError(t, err)

	item, err := s.Pop(ctx, "c1")
	assert.Error(t, err)
	assert.Nil(t, item)

	d, err := s.Depths(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.DeadLetter)
	assert.Equal(t, int64(0), d.InFlight)
}

func TestLocks(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "dispatch:campaign:c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "dispatch:campaign:c1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, "dispatch:campaign:c1"))
	ok, err = s.AcquireLock(ctx, "dispatch:campaign:c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
