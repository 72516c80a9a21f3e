// Package usage stores per-user usage counters in Redis. Admission counters
// only move through increments; the rate window rollover resets its count
// inside the same script that increments it, and the storage gauge can be
// released when a file is deleted.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// MonthlyTTL keeps a month's counters around long enough for the rollup.
const MonthlyTTL = 62 * 24 * time.Hour

var ErrNegativeDelta = errors.New("usage: counters only increase")

// incrWindow resets the count when the stored window differs from the
// caller's window, then increments. Running it as one script closes the
// read-then-reset race between concurrent callers.
var incrWindow = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	redis.call('SET', KEYS[2], '0', 'PX', ARGV[2])
end
return redis.call('INCR', KEYS[2])
`)

// decrFloor lowers a counter by ARGV[1] without going below zero.
var decrFloor = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0') - tonumber(ARGV[1])
if v < 0 then v = 0 end
redis.call('SET', KEYS[1], v, 'KEEPTTL')
return v
`)

type Store struct {
	client redis.Cmdable
}

// New wraps a Redis client. The caller owns the client lifecycle.
func New(client redis.Cmdable) *Store {
	return &Store{client: client}
}

// IncrWindow consumes one unit of the fixed window starting at windowStart
// and returns the count inside that window, including this call.
func (s *Store) IncrWindow(ctx context.Context, userID int64, metric Metric, windowStart time.Time, ttl time.Duration) (int64, error) {
	wk, ck := rateKeys(userID, metric)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	n, err := incrWindow.Run(ctx, s.client, []string{wk, ck},
		strconv.FormatInt(windowStart.UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("usage: incr window %s: %w", ck, err)
	}
	return n, nil
}

// IncrBy adds n to key. A positive ttl is applied on every write so that
// monthly keys age out after their period.
func (s *Store) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	if n < 0 {
		return 0, ErrNegativeDelta
	}

	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("usage: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Release lowers key by n, stopping at zero.
func (s *Store) Release(ctx context.Context, key string, n int64) (int64, error) {
	if n < 0 {
		return 0, ErrNegativeDelta
	}
	v, err := decrFloor.Run(ctx, s.client, []string{key}, strconv.FormatInt(n, 10)).Int64()
	if err != nil {
		return 0, fmt.Errorf("usage: release %s: %w", key, err)
	}
	return v, nil
}

// Get returns the value of key, or zero when it has never been written.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage: get %s: %w", key, err)
	}
	return n, nil
}

// Ping checks that the backing Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
