package replication

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMirror struct {
	name string
	err  error

	mu    sync.Mutex
	rows  map[string]*domain.PlayerRecord
	calls int
}

func newFakeMirror(name string) *fakeMirror {
	return &fakeMirror{name: name, rows: make(map[string]*domain.PlayerRecord)}
}

func (m *fakeMirror) Name() string { return m.name }

func (m *fakeMirror) UpsertPlayers(_ context.Context, records []*domain.PlayerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	for _, rec := range records {
		k := rec.Key().String()
		if cur, ok := m.rows[k]; !ok || newer(rec, cur) {
			m.rows[k] = rec
		}
	}
	return nil
}

func (m *fakeMirror) get(key string) (*domain.PlayerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[key]
	return rec, ok
}

func rec(owner string, version int64) *domain.PlayerRecord {
	r := domain.NewPlayerRecord(domain.PlayerKey{OwnerID: owner}, domain.DefaultPlayerDefaults(), time.Unix(1700000000, 0))
	r.Version = version
	r.UpdatedAt = r.UpdatedAt.Add(time.Duration(version) * time.Millisecond)
	return r
}

func testReplicationConfig() *config.ReplicationConfig {
	return &config.ReplicationConfig{
		Workers:       2,
		BatchSize:     10,
		MaxPending:    100,
		MirrorTimeout: time.Second,
	}
}

func TestBridge_CoalescesPerKey(t *testing.T) {
	m := newFakeMirror("fake")
	b := NewBridge([]Mirror{m}, testReplicationConfig(), testLogger())

	b.Notify("u1", rec("u1", 1))
	b.Notify("u1", rec("u1", 3))
	b.Notify("u1", rec("u1", 2))
	b.Notify("u2", rec("u2", 1))

	assert.Equal(t, []string{"u1", "u2"}, b.PendingKeys())
	stats := b.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, uint64(2), stats.Coalesced)

	undrained, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, undrained)

	got, ok := m.get("u1")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, uint64(2), b.Stats().Mirrored)
}

func TestBridge_DropsOldestWhenFull(t *testing.T) {
	cfg := testReplicationConfig()
	cfg.MaxPending = 2
	b := NewBridge([]Mirror{newFakeMirror("fake")}, cfg, testLogger())

	b.Notify("a", rec("a", 1))
	b.Notify("b", rec("b", 1))
	b.Notify("c", rec("c", 1))

	assert.Equal(t, []string{"b", "c"}, b.PendingKeys())
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestBridge_WorkersMirrorAsynchronously(t *testing.T) {
	m := newFakeMirror("fake")
	b := NewBridge([]Mirror{m}, testReplicationConfig(), testLogger())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	for i := int64(1); i <= 5; i++ {
		b.Notify("u1", rec("u1", i))
	}

	require.Eventually(t, func() bool {
		got, ok := m.get("u1")
		return ok && got.Version == 5
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.PendingKeys()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBridge_FailingMirrorIsIsolated(t *testing.T) {
	good := newFakeMirror("good")
	bad := newFakeMirror("bad")
	bad.err = errors.New("connection refused")
	b := NewBridge([]Mirror{bad, good}, testReplicationConfig(), testLogger())

	b.Notify("u1", rec("u1", 1))
	undrained, err := b.Flush(context.Background())
	require.ErrorIs(t, err, domain.ErrReplicationFailed)
	assert.Equal(t, []string{"u1"}, undrained)

	_, ok := good.get("u1")
	assert.True(t, ok, "healthy mirror still receives the batch")

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Contains(t, stats.LastError, "connection refused")
	assert.Empty(t, b.PendingKeys(), "failed records are not requeued")
}

type panicMirror struct{}

func (panicMirror) Name() string { return "panic" }
func (panicMirror) UpsertPlayers(context.Context, []*domain.PlayerRecord) error {
	panic("boom")
}

func TestBridge_MirrorPanicIsContained(t *testing.T) {
	b := NewBridge([]Mirror{panicMirror{}}, testReplicationConfig(), testLogger())
	b.Notify("u1", rec("u1", 1))

	_, err := b.Flush(context.Background())
	require.ErrorIs(t, err, domain.ErrReplicationFailed)
}

type slowMirror struct{ release chan struct{} }

func (slowMirror) Name() string { return "slow" }
func (m slowMirror) UpsertPlayers(ctx context.Context, _ []*domain.PlayerRecord) error {
	select {
	case <-m.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBridge_FlushReportsUndrainedOnDeadline(t *testing.T) {
	cfg := testReplicationConfig()
	cfg.BatchSize = 1
	m := slowMirror{release: make(chan struct{})}
	defer close(m.release)
	b := NewBridge([]Mirror{m}, cfg, testLogger())

	b.Notify("a", rec("a", 1))
	b.Notify("b", rec("b", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	undrained, err := b.Flush(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"a", "b"}, undrained)
}

func TestBridge_NoMirrorsAcceptsEverything(t *testing.T) {
	b := NewBridge(nil, testReplicationConfig(), testLogger())
	b.Notify("u1", rec("u1", 1))

	assert.Empty(t, b.PendingKeys())
	undrained, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, undrained)
}

func TestBridge_Backfill(t *testing.T) {
	m := newFakeMirror("fake")
	b := NewBridge([]Mirror{m}, testReplicationConfig(), testLogger())

	require.NoError(t, b.Backfill(context.Background(), []*domain.PlayerRecord{rec("a", 2), rec("b", 1)}))
	require.NoError(t, b.Backfill(context.Background(), []*domain.PlayerRecord{rec("a", 1)}))

	got, ok := m.get("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version, "older record does not overwrite newer one")
}

func TestBridge_ForgetDropsQueuedRecord(t *testing.T) {
	m := newFakeMirror("fake")
	b := NewBridge([]Mirror{m}, testReplicationConfig(), testLogger())

	b.Notify("a", rec("a", 1))
	b.Notify("b", rec("b", 1))
	require.NoError(t, b.Forget(context.Background(), "a"))
	require.NoError(t, b.Forget(context.Background(), "missing"))
	assert.Equal(t, []string{"b"}, b.PendingKeys())

	undrained, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, undrained)

	_, ok := m.get("a")
	assert.False(t, ok)
	_, ok = m.get("b")
	assert.True(t, ok)
}

func TestBridge_ForgetWaitsForInFlightBatch(t *testing.T) {
	m := slowMirror{release: make(chan struct{})}
	b := NewBridge([]Mirror{m}, testReplicationConfig(), testLogger())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	b.Notify("a", rec("a", 1))
	require.Eventually(t, func() bool { return b.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Forget(ctx, "a"), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- b.Forget(context.Background(), "a") }()
	select {
	case err := <-done:
		t.Fatalf("Forget returned before the batch finished: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(m.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Forget did not return after the batch finished")
	}
	assert.Empty(t, b.PendingKeys())
}
