package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLock is a SET NX PX lock with a random ownership token, so a holder
// whose TTL lapsed cannot release a lock someone else has since taken.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewRedisLock creates a lock stored under "lock:<key>".
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lock.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release deletes the lock only while we still own it.
func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend pushes the TTL out for long passes. Returns false when the lock
// is no longer ours.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Registry hands out named Redis locks and remembers which ones this
// process holds, so callers can release by name.
type Registry struct {
	client *redis.Client

	mu   sync.Mutex
	held map[string]*RedisLock
}

// NewRegistry creates a lock registry over client.
func NewRegistry(client *redis.Client) *Registry {
	return &Registry{client: client, held: make(map[string]*RedisLock)}
}

// Acquire takes the named lock. A name already held by this registry
// reports false, same as contention from another process.
func (r *Registry) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	if _, ok := r.held[name]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	lock := NewRedisLock(r.client, name, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}

	r.mu.Lock()
	r.held[name] = lock
	r.mu.Unlock()
	return true, nil
}

// Release gives up the named lock if this registry holds it.
func (r *Registry) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	lock, ok := r.held[name]
	delete(r.held, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return lock.Release(ctx)
}

// Extend pushes out the TTL of a lock this registry holds. False means
// the lock is not held here or has lapsed and been taken by someone else.
func (r *Registry) Extend(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	lock, ok := r.held[name]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return lock.Extend(ctx, ttl)
}
