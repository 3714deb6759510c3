package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/filestore"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LeaseLocker hands out per-player leases stored in Redis so several
// processes can share one player directory.
type LeaseLocker struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewLeaseLocker creates a Redis-backed locker
func NewLeaseLocker(client *redis.Client, cfg *config.RedisConfig, logger *slog.Logger) *LeaseLocker {
	return &LeaseLocker{
		client:       client,
		prefix:       cfg.KeyPrefix,
		pollInterval: 10 * time.Millisecond,
		logger:       logger,
	}
}

// lockKey returns the Redis key for a player's lease
func (l *LeaseLocker) lockKey(key string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, key)
}

// Acquire implements filestore.Locker. It polls with SET NX PX until the
// lease is free or ctx is done.
func (l *LeaseLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (filestore.LockHandle, error) {
	token := uuid.NewString()
	rkey := l.lockKey(key)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		expiresAt := time.Now().Add(ttl)
		ok, err := l.client.SetNX(ctx, rkey, token, ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquiring lease: %w", err)
		}
		if ok {
			return &lease{locker: l, key: key, rkey: rkey, token: token, expiresAt: expiresAt}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type lease struct {
	locker    *LeaseLocker
	key       string
	rkey      string
	token     string
	expiresAt time.Time

	mu       sync.Mutex
	released bool
}

func (h *lease) Key() string          { return h.key }
func (h *lease) Token() string        { return h.token }
func (h *lease) ExpiresAt() time.Time { return h.expiresAt }

// Valid checks the local deadline and that Redis still holds our token.
func (h *lease) Valid() bool {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released || !time.Now().Before(h.expiresAt) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Until(h.expiresAt))
	defer cancel()
	val, err := h.locker.client.Get(ctx, h.rkey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			h.locker.logger.Warn("lease check failed", "player_key", h.key, "error", err)
		}
		return false
	}
	return val == h.token
}

func (h *lease) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, h.locker.client, []string{h.rkey}, h.token).Int64()
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrLockLost, h.key)
	}
	return nil
}
