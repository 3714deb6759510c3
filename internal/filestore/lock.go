package filestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapgame-core/internal/domain"
)

// LockHandle is a bounded lease on one player key.
type LockHandle interface {
	Key() string
	Token() string
	ExpiresAt() time.Time
	// Valid reports whether the lease is still held by this handle.
	Valid() bool
	Release() error
}

// Locker hands out per-key leases. Acquire blocks until the lease is free or
// ctx is done, in which case it returns ctx.Err().
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

type localLease struct {
	token     string
	expiresAt time.Time
	released  chan struct{}
	once      sync.Once
}

func (l *localLease) close() {
	l.once.Do(func() { close(l.released) })
}

// LocalLocker serializes writers within one process.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]*localLease
	now    func() time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: make(map[string]*localLease),
		now:    time.Now,
	}
}

// Acquire implements Locker. A lease past its expiry is taken over.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error) {
	for {
		l.mu.Lock()
		now := l.now()
		cur, held := l.leases[key]
		if !held || !now.Before(cur.expiresAt) {
			if held {
				cur.close()
			}
			lease := &localLease{
				token:     uuid.NewString(),
				expiresAt: now.Add(ttl),
				released:  make(chan struct{}),
			}
			l.leases[key] = lease
			l.mu.Unlock()
			return &localHandle{locker: l, key: key, lease: lease}, nil
		}
		released := cur.released
		wait := cur.expiresAt.Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// Held returns the number of keys with a live or expired-but-unreleased lease.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leases)
}

type localHandle struct {
	locker *LocalLocker
	key    string
	lease  *localLease
}

func (h *localHandle) Key() string          { return h.key }
func (h *localHandle) Token() string        { return h.lease.token }
func (h *localHandle) ExpiresAt() time.Time { return h.lease.expiresAt }

func (h *localHandle) Valid() bool {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	return h.locker.leases[h.key] == h.lease && h.locker.now().Before(h.lease.expiresAt)
}

func (h *localHandle) Release() error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	owned := h.locker.leases[h.key] == h.lease
	if owned {
		delete(h.locker.leases, h.key)
	}
	h.lease.close()
	if !owned {
		return fmt.Errorf("%w: %s", domain.ErrLockLost, h.key)
	}
	return nil
}
