// Package queue is the durable per-campaign work queue kept in Redis.
//
// Each campaign owns a FIFO pending list, a retry sorted set scored by the
// time an item becomes due again, an in-flight sorted set scored by claim
// time, a dead-letter list, a progress hash, a pause flag and a set of
// tracking ids that were already delivered.
//
// Items are stored as JSON. Callers must hand popped items back to
// MarkProcessed, PushToRetry or MoveToDeadLetter unmodified, because the
// in-flight entry is addressed by the item's encoding.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/distlock"
	"github.com/redis/go-redis/v9"
)

const (
	pushChunk = 500
	doneTTL   = 30 * 24 * time.Hour
)

// popScript claims the next item: the pending head, or when pending is
// empty the earliest retry item that is already due. The claimed item is
// recorded in the in-flight set so a crash cannot lose it silently.
//
// KEYS: pending, retry, inflight. ARGV: now (unix ms).
var popScript = redis.NewScript(`
local item = redis.call('LPOP', KEYS[1])
if not item then
	local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #due == 0 then
		return false
	end
	item = due[1]
	redis.call('ZREM', KEYS[2], item)
end
redis.call('ZADD', KEYS[3], ARGV[1], item)
return item
`)

// recoverScript moves in-flight items claimed before the cutoff into the
// retry set, due immediately.
//
// KEYS: inflight, retry. ARGV: cutoff (unix ms), now (unix ms).
var recoverScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, item in ipairs(stale) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('ZADD', KEYS[2], ARGV[2], item)
end
return #stale
`)

// Store implements the durable queue operations on a Redis client.
type Store struct {
	client *redis.Client
	locks  *distlock.Registry
	now    func() time.Time
}

// NewStore creates a queue store.
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
		locks:  distlock.NewRegistry(client),
		now:    time.Now,
	}
}

// Push appends items to the campaign's pending list in order.
func (s *Store) Push(ctx context.Context, campaignID string, items []domain.QueuedEmail) error {
	for start := 0; start < len(items); start += pushChunk {
		end := start + pushChunk
		if end > len(items) {
			end = len(items)
		}
		values := make([]interface{}, 0, end-start)
		for i := start; i < end; i++ {
			raw, err := encode(&items[i])
			if err != nil {
				return err
			}
			values = append(values, raw)
		}
		if err := s.client.RPush(ctx, pendingKey(campaignID), values...).Err(); err != nil {
			return fmt.Errorf("push %d items for campaign %s: %w", len(values), campaignID, err)
		}
	}
	return nil
}

// Pop claims the next item for campaignID. It returns nil, nil when no item
// is currently available; retry items that are not yet due stay queued.
func (s *Store) Pop(ctx context.Context, campaignID string) (*domain.QueuedEmail, error) {
	keys := []string{pendingKey(campaignID), retryKey(campaignID), inflightKey(campaignID)}
	raw, err := popScript.Run(ctx, s.client, keys, s.now().UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop campaign %s: %w", campaignID, err)
	}

	var item domain.QueuedEmail
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// An undecodable item can never be sent; park it for inspection.
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(campaignID), raw)
		pipe.RPush(ctx, deadKey(campaignID), raw)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, fmt.Errorf("park undecodable item for campaign %s: %w", campaignID, perr)
		}
		return nil, fmt.Errorf("decode queued item for campaign %s: %w", campaignID, err)
	}
	return &item, nil
}

// MarkProcessed acknowledges a successful send: the item leaves the
// in-flight set, its tracking id is remembered, and the sent counter moves.
func (s *Store) MarkProcessed(ctx context.Context, item *domain.QueuedEmail) error {
	raw, err := encode(item)
	if err != nil {
		return err
	}
	cid := item.CampaignID
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(cid), raw)
	pipe.SAdd(ctx, doneKey(cid), item.TrackingID)
	pipe.Expire(ctx, doneKey(cid), doneTTL)
	pipe.HIncrBy(ctx, progressKey(cid), fieldSent, 1)
	pipe.HIncrBy(ctx, progressKey(cid), fieldQueued, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark processed %s: %w", item.TrackingID, err)
	}
	return nil
}

// Acknowledge drops an in-flight item without touching counters. Used for
// items that turn out to be already delivered.
func (s *Store) Acknowledge(ctx context.Context, item *domain.QueuedEmail) error {
	raw, err := encode(item)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(item.CampaignID), raw)
	pipe.HIncrBy(ctx, progressKey(item.CampaignID), fieldQueued, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acknowledge %s: %w", item.TrackingID, err)
	}
	return nil
}

// PushToRetry records a failed attempt and schedules the item again after
// delay. The returned copy carries the incremented attempt count.
func (s *Store) PushToRetry(ctx context.Context, item *domain.QueuedEmail, sendErr string, delay time.Duration) (*domain.QueuedEmail, error) {
	raw, err := encode(item)
	if err != nil {
		return nil, err
	}
	next := *item
	next.Attempts++
	next.LastError = sendErr
	next.RetryAt = s.now().Add(delay).UTC()
	nextRaw, err := encode(&next)
	if err != nil {
		return nil, err
	}

	cid := item.CampaignID
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(cid), raw)
	pipe.ZAdd(ctx, retryKey(cid), redis.Z{Score: float64(next.RetryAt.UnixMilli()), Member: nextRaw})
	pipe.HIncrBy(ctx, progressKey(cid), fieldFailed, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("push to retry %s: %w", item.TrackingID, err)
	}
	return &next, nil
}

// MoveToDeadLetter records a final failed attempt and parks the item.
func (s *Store) MoveToDeadLetter(ctx context.Context, item *domain.QueuedEmail, sendErr string) (*domain.QueuedEmail, error) {
	raw, err := encode(item)
	if err != nil {
		return nil, err
	}
	dead := *item
	dead.Attempts++
	dead.LastError = sendErr
	dead.RetryAt = time.Time{}
	deadRaw, err := encode(&dead)
	if err != nil {
		return nil, err
	}

	cid := item.CampaignID
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(cid), raw)
	pipe.RPush(ctx, deadKey(cid), deadRaw)
	pipe.HIncrBy(ctx, progressKey(cid), fieldFailed, 1)
	pipe.HIncrBy(ctx, progressKey(cid), fieldQueued, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dead-letter %s: %w", item.TrackingID, err)
	}
	return &dead, nil
}

// WasProcessed reports whether the item's tracking id was already sent.
func (s *Store) WasProcessed(ctx context.Context, item *domain.QueuedEmail) (bool, error) {
	ok, err := s.client.SIsMember(ctx, doneKey(item.CampaignID), item.TrackingID).Result()
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", item.TrackingID, err)
	}
	return ok, nil
}

// InitProgress resets the progress hash for a fresh launch.
func (s *Store) InitProgress(ctx context.Context, campaignID string, total int) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, progressKey(campaignID))
	pipe.HSet(ctx, progressKey(campaignID),
		fieldTotal, total,
		fieldQueued, total,
		fieldSent, 0,
		fieldFailed, 0,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init progress %s: %w", campaignID, err)
	}
	return nil
}

// MarkStarted stamps the progress start time used for throughput.
func (s *Store) MarkStarted(ctx context.Context, campaignID string, at time.Time) error {
	if err := s.client.HSet(ctx, progressKey(campaignID), fieldStartedAt, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("mark started %s: %w", campaignID, err)
	}
	return nil
}

// GetProgress reads the progress hash. Missing fields read as zero.
func (s *Store) GetProgress(ctx context.Context, campaignID string) (*domain.Progress, error) {
	vals, err := s.client.HGetAll(ctx, progressKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", campaignID, err)
	}
	p := &domain.Progress{
		Total:  atoi(vals[fieldTotal]),
		Queued: atoi(vals[fieldQueued]),
		Sent:   atoi(vals[fieldSent]),
		Failed: atoi(vals[fieldFailed]),
	}
	if ms, err := strconv.ParseInt(vals[fieldStartedAt], 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		p.StartedAt = &t
	}
	if p.Queued < 0 {
		p.Queued = 0
	}
	return p, nil
}

// Depths returns the size of every queue structure for the campaign.
func (s *Store) Depths(ctx context.Context, campaignID string) (*domain.QueueDepths, error) {
	pipe := s.client.Pipeline()
	pending := pipe.LLen(ctx, pendingKey(campaignID))
	retry := pipe.ZCard(ctx, retryKey(campaignID))
	inflight := pipe.ZCard(ctx, inflightKey(campaignID))
	dead := pipe.LLen(ctx, deadKey(campaignID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depths %s: %w", campaignID, err)
	}
	return &domain.QueueDepths{
		Pending:    pending.Val(),
		Retry:      retry.Val(),
		InFlight:   inflight.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// IsEmpty reports whether nothing is pending, awaiting retry or in flight.
// Dead letters do not count.
func (s *Store) IsEmpty(ctx context.Context, campaignID string) (bool, error) {
	d, err := s.Depths(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return d.Pending == 0 && d.Retry == 0 && d.InFlight == 0, nil
}

// IsPaused reports the campaign's pause flag.
func (s *Store) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	n, err := s.client.Exists(ctx, pausedKey(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("check paused %s: %w", campaignID, err)
	}
	return n > 0, nil
}

// SetPaused sets or clears the pause flag.
func (s *Store) SetPaused(ctx context.Context, campaignID string, paused bool) error {
	var err error
	if paused {
		err = s.client.Set(ctx, pausedKey(campaignID), "1", 0).Err()
	} else {
		err = s.client.Del(ctx, pausedKey(campaignID)).Err()
	}
	if err != nil {
		return fmt.Errorf("set paused %s: %w", campaignID, err)
	}
	return nil
}

// DeadLetters returns up to limit dead-lettered items, oldest first.
// limit <= 0 returns all of them.
func (s *Store) DeadLetters(ctx context.Context, campaignID string, limit int) ([]domain.QueuedEmail, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := s.client.LRange(ctx, deadKey(campaignID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters %s: %w", campaignID, err)
	}
	items := make([]domain.QueuedEmail, 0, len(raws))
	for _, raw := range raws {
		var item domain.QueuedEmail
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// RecoverStale returns in-flight items claimed more than olderThan ago to
// the retry set. Attempt counts are left untouched.
func (s *Store) RecoverStale(ctx context.Context, campaignID string, olderThan time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	n, err := recoverScript.Run(ctx, s.client,
		[]string{inflightKey(campaignID), retryKey(campaignID)},
		cutoff, now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stale items %s: %w", campaignID, err)
	}
	return n, nil
}

// Clear removes every structure of the campaign, including progress and
// the pause flag.
func (s *Store) Clear(ctx context.Context, campaignID string) error {
	if err := s.client.Del(ctx, allKeys(campaignID)...).Err(); err != nil {
		return fmt.Errorf("clear queue %s: %w", campaignID, err)
	}
	return nil
}

// AcquireLock takes a named advisory lock. False means somebody else holds it.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return s.locks.Acquire(ctx, name, ttl)
}

// ExtendLock renews a lock taken by AcquireLock. False means it was lost.
func (s *Store) ExtendLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return s.locks.Extend(ctx, name, ttl)
}

// ReleaseLock releases a lock taken by AcquireLock.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	return s.locks.Release(ctx, name)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func encode(item *domain.QueuedEmail) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode queued item %s: %w", item.TrackingID, err)
	}
	return string(b), nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
