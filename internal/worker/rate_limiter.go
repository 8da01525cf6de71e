package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// rateWindow is the span over which a campaign's send rate is measured.
const rateWindow = time.Minute

// RateLimiter enforces a per-campaign sends-per-minute ceiling with a
// sliding window log in Redis. Each successful send adds one timestamped
// member to a sorted set; checks trim members older than the window and
// compare what is left with the limit.
type RateLimiter struct {
	redis       *redis.Client
	checkScript *redis.Script
	now         func() time.Time
}

// RateDecision is the outcome of a rate check.
type RateDecision struct {
	Allowed bool  `json:"allowed"`
	WaitMs  int64 `json:"wait_ms"`
}

// RateState describes the current window for reporting.
type RateState struct {
	Limit     int   `json:"limit"`
	Used      int   `json:"used"`
	Remaining int   `json:"remaining"`
	ResetMs   int64 `json:"reset_ms"`
}

// KEYS[1] window set. ARGV: now ms, window ms, limit.
// Returns {allowed, waitMs, used}.
const checkLuaScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local used = redis.call("ZCARD", KEYS[1])
if used < limit then
	return {1, 0, used}
end

local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = 0
if #oldest == 2 then
	wait = tonumber(oldest[2]) + window - now
	if wait < 0 then
		wait = 0
	end
end
return {0, wait, used}
`

// NewRateLimiter creates a rate limiter over an existing client.
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:       redisClient,
		checkScript: redis.NewScript(checkLuaScript),
		now:         time.Now,
	}
}

func rateKey(campaignID string) string {
	return fmt.Sprintf("mailer:ratelimit:campaign:%s", campaignID)
}

// CheckRateLimit reports whether campaignID may send one more message now.
// A sendRate of zero or less means the campaign is not throttled.
func (r *RateLimiter) CheckRateLimit(ctx context.Context, campaignID string, sendRate int) (RateDecision, error) {
	if sendRate <= 0 {
		return RateDecision{Allowed: true}, nil
	}
	res, err := r.checkScript.Run(ctx, r.redis, []string{rateKey(campaignID)},
		r.now().UnixMilli(), rateWindow.Milliseconds(), sendRate,
	).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate check for campaign %s: %w", campaignID, err)
	}
	if len(res) < 2 {
		return RateDecision{}, fmt.Errorf("rate check for campaign %s: unexpected reply %v", campaignID, res)
	}
	return RateDecision{Allowed: res[0] == 1, WaitMs: res[1]}, nil
}

// RecordSend consumes one unit of the campaign's capacity.
func (r *RateLimiter) RecordSend(ctx context.Context, campaignID string) error {
	now := r.now().UnixMilli()
	key := rateKey(campaignID)
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	pipe := r.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	pipe.PExpire(ctx, key, 2*rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record send for campaign %s: %w", campaignID, err)
	}
	return nil
}

// State reads the current window without modifying it.
func (r *RateLimiter) State(ctx context.Context, campaignID string, sendRate int) (RateState, error) {
	now := r.now().UnixMilli()
	cutoff := now - rateWindow.Milliseconds()
	key := rateKey(campaignID)
	min := "(" + strconv.FormatInt(cutoff, 10)

	pipe := r.redis.Pipeline()
	count := pipe.ZCount(ctx, key, min, "+inf")
	oldest := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf", Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return RateState{}, fmt.Errorf("rate state for campaign %s: %w", campaignID, err)
	}

	st := RateState{Limit: sendRate, Used: int(count.Val())}
	if sendRate > 0 {
		st.Remaining = sendRate - st.Used
		if st.Remaining < 0 {
			st.Remaining = 0
		}
	}
	if zs := oldest.Val(); len(zs) > 0 {
		st.ResetMs = int64(zs[0].Score) + rateWindow.Milliseconds() - now
		if st.ResetMs < 0 {
			st.ResetMs = 0
		}
	}
	return st, nil
}
