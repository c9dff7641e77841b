package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// unlockLua deletes the lock only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua renews the lease only while it still holds the caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX and a token-checked
// release. While a lock is held its lease is renewed every third of the TTL,
// so a lifecycle operation that outlives the TTL keeps its lock; a crashed
// holder's lock expires after one TTL.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

// Acquire takes the lock for key or fails with domain.ErrLockHeld. The
// returned unlock function is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lm.c.key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.renew(lk, token, ttl, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.unlockSc.Run(unlockCtx, lm.c.rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.Warn("lock release failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}, nil
}

func (lm *LockManager) renew(lk, token string, ttl time.Duration, stop <-chan struct{}) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := lm.extendSc.Run(ctx, lm.c.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				lm.logger.Warn("lock renewal failed", slog.String("key", lk), slog.String("error", err.Error()))
				continue
			}
			if n == 0 {
				lm.logger.Warn("lock lost", slog.String("key", lk))
				return
			}
		}
	}
}
