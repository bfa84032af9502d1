package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when another holder owns the lock
var ErrLockBusy = errors.New("lock is held by another worker")

// Locker hands out short-lived mutual exclusion across service instances
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// releaseScript deletes the key only if we still own it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisLocker struct {
	rc *redis.Client
}

// NewLocker uses redis when a client is available, else an in-process lock table
func NewLocker(rc *redis.Client) Locker {
	if rc == nil {
		return NewLocalLocker()
	}
	return &redisLocker{rc: rc}
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rc.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return func() {
		// Use a fresh context: the caller's may already be done
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.rc, []string{key}, token).Err()
	}, nil
}

type localLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewLocalLocker() Locker {
	return &localLocker{held: make(map[string]time.Time), nowFn: time.Now}
}

func (l *localLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, ErrLockBusy
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(exp) {
			delete(l.held, key)
		}
	}, nil
}

// RateLimiter blocks until the caller may issue one more provider call
type RateLimiter interface {
	Wait(ctx context.Context) error
}

type unlimited struct{}

func (unlimited) Wait(ctx context.Context) error { return ctx.Err() }

// NewRateLimiter returns a fleet-wide fixed-window limiter backed by redis, a local one without
// redis, and no limit when perSecond is not positive.
func NewRateLimiter(rc *redis.Client, key string, perSecond int) RateLimiter {
	if perSecond <= 0 {
		return unlimited{}
	}
	if rc == nil {
		return &localRateLimiter{limit: perSecond}
	}
	return &redisRateLimiter{rc: rc, key: key, limit: perSecond}
}

type redisRateLimiter struct {
	rc    *redis.Client
	key   string
	limit int
}

func (l *redisRateLimiter) Wait(ctx context.Context) error {
	for {
		now := time.Now()
		window := l.key + ":" + strconv.FormatInt(now.Unix(), 10)

		pipe := l.rc.TxPipeline()
		incr := pipe.Incr(ctx, window)
		pipe.Expire(ctx, window, 2*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			// fail open, the provider's own 429s still apply
			return nil
		}
		if incr.Val() <= int64(l.limit) {
			return nil
		}
		if err := sleepUntilNextSecond(ctx, now); err != nil {
			return err
		}
	}
}

type localRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window int64
	count  int
}

func (l *localRateLimiter) Wait(ctx context.Context) error {
	for {
		now := time.Now()
		l.mu.Lock()
		if sec := now.Unix(); sec != l.window {
			l.window = sec
			l.count = 0
		}
		if l.count < l.limit {
			l.count++
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		if err := sleepUntilNextSecond(ctx, now); err != nil {
			return err
		}
	}
}

func sleepUntilNextSecond(ctx context.Context, now time.Time) error {
	next := now.Truncate(time.Second).Add(time.Second)
	t := time.NewTimer(time.Until(next))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
