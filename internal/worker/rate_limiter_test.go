package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func setupRateLimiter(t *testing.T) (*RateLimiter, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := newTestClock()
	rl := NewRateLimiter(client)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_Boundary(t *testing.T) {
	for _, rate := range []int{1, 5, 100} {
		rate := rate
		t.Run("rate", func(t *testing.T) {
			rl, clock := setupRateLimiter(t)
			ctx := context.Background()

			allowed, rejected := 0, 0
			for i := 0; i < 2*rate; i++ {
				d, err := rl.CheckRateLimit(ctx, "c1", rate)
				require.NoError(t, err)
				if d.Allowed {
					allowed++
					require.NoError(t, rl.RecordSend(ctx, "c1"))
				} else {
					rejected++
					assert.Greater(t, d.WaitMs, int64(0))
				}
				clock.Advance(10 * time.Millisecond)
			}
			assert.Equal(t, rate, allowed)
			assert.Equal(t, rate, rejected)
		})
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl, clock := setupRateLimiter(t)
	ctx := context.Background()

	require.NoError(t, rl.RecordSend(ctx, "c1"))
	clock.Advance(30 * time.Second)
	require.NoError(t, rl.RecordSend(ctx, "c1"))

	d, err := rl.CheckRateLimit(ctx, "c1", 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(30000), d.WaitMs, "oldest send leaves the window in 30s")

	clock.Advance(30*time.Second + time.Millisecond)
	d, err = rl.CheckRateLimit(ctx, "c1", 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_PerCampaign(t *testing.T) {
	rl, _ := setupRateLimiter(t)
	ctx := context.Background()

	require.NoError(t, rl.RecordSend(ctx, "c1"))

	d, err := rl.CheckRateLimit(ctx, "c1", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = rl.CheckRateLimit(ctx, "c2", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "another campaign is not throttled")
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl, _ := setupRateLimiter(t)
	d, err := rl.CheckRateLimit(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_State(t *testing.T) {
	rl, clock := setupRateLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.RecordSend(ctx, "c1"))
		clock.Advance(time.Second)
	}

	st, err := rl.State(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Limit)
	assert.Equal(t, 3, st.Used)
	assert.Equal(t, 7, st.Remaining)
	assert.Equal(t, int64(57000), st.ResetMs)
}
