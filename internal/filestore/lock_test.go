package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapgame-core/internal/domain"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	first, err := l.Acquire(ctx, "u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first.Valid())
	assert.NotEmpty(t, first.Token())

	acquired := make(chan LockHandle)
	go func() {
		h, err := l.Acquire(ctx, "u1", time.Minute)
		assert.NoError(t, err)
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait for release")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, first.Release())
	second := <-acquired
	assert.True(t, second.Valid())
	assert.NotEqual(t, first.Token(), second.Token())
	require.NoError(t, second.Release())
	assert.Zero(t, l.Held())
}

func TestLocalLocker_ContextTimeout(t *testing.T) {
	l := NewLocalLocker()
	held, err := l.Acquire(context.Background(), "u1", time.Minute)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "u1", time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "u1", 10*time.Millisecond)
	require.NoError(t, err)

	fresh, err := l.Acquire(ctx, "u1", time.Minute)
	require.NoError(t, err)

	assert.False(t, stale.Valid())
	assert.True(t, fresh.Valid())
	require.ErrorIs(t, stale.Release(), domain.ErrLockLost)
	assert.True(t, fresh.Valid(), "stale release must not free the new lease")
	require.NoError(t, fresh.Release())
}

func TestLocalLocker_KeysAreIndependent(t *testing.T) {
	l := NewLocalLocker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	a, err := l.Acquire(ctx, "alice", time.Minute)
	require.NoError(t, err)
	b, err := l.Acquire(ctx, "bob", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Held())
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}
