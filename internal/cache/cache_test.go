package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapgame-core/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(owner string, version int64, points int64) *domain.PlayerRecord {
	rec := domain.NewPlayerRecord(domain.PlayerKey{OwnerID: owner}, domain.DefaultPlayerDefaults(), time.Now())
	rec.Version = version
	rec.Points = points
	return rec
}

func TestRecordCache_LoadIsSingleFlight(t *testing.T) {
	c := New(time.Minute, testLogger())

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func() (*domain.PlayerRecord, error) {
		calls.Add(1)
		<-release
		return record("u1", 1, 10), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]*domain.PlayerRecord, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := c.Load("u1", loader)
			assert.NoError(t, err)
			results[i] = rec
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
	for _, rec := range results {
		require.NotNil(t, rec)
		assert.Equal(t, int64(10), rec.Points)
	}

	rec, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, int64(10), rec.Points)
}

func TestRecordCache_GetReturnsClone(t *testing.T) {
	c := New(time.Minute, testLogger())
	c.Commit("u1", record("u1", 1, 10))

	rec, ok := c.Get("u1")
	require.True(t, ok)
	rec.Points = 999
	rec.Upgrades["tap-power"] = 3

	again, _ := c.Get("u1")
	assert.Equal(t, int64(10), again.Points)
	assert.Empty(t, again.Upgrades)
}

func TestRecordCache_LoadNeverReplacesNewerVersion(t *testing.T) {
	c := New(time.Minute, testLogger())
	c.BeginWrite("u1")
	c.Commit("u1", record("u1", 5, 50))

	c.store("u1", record("u1", 3, 30))

	rec, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.Version)
}

func TestRecordCache_LoadErrorIsNotCached(t *testing.T) {
	c := New(time.Minute, testLogger())

	_, err := c.Load("u1", func() (*domain.PlayerRecord, error) { return nil, domain.ErrNotFound })
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, c.Len())
}

func TestRecordCache_DirtyLifecycle(t *testing.T) {
	c := New(time.Minute, testLogger())

	c.BeginWrite("u1")
	assert.Equal(t, []string{"u1"}, c.DirtyKeys())

	c.Commit("u1", record("u1", 1, 1))
	assert.Empty(t, c.DirtyKeys())

	c.BeginWrite("u1")
	c.Abort("u1")
	assert.Empty(t, c.DirtyKeys())
	_, ok := c.Get("u1")
	assert.False(t, ok, "aborted write drops the cached value")
}

func TestRecordCache_EvictSkipsDirty(t *testing.T) {
	c := New(time.Minute, testLogger())
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Commit("clean", record("clean", 1, 1))
	c.Commit("dirty", record("dirty", 1, 1))
	c.BeginWrite("dirty")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Evict())

	_, ok := c.Get("clean")
	assert.False(t, ok)
	_, ok = c.Get("dirty")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, 1, stats.Dirty)
	assert.Equal(t, 1, stats.Size)
}

func TestRecordCache_ExpiredEntryIsAMiss(t *testing.T) {
	c := New(time.Second, testLogger())
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Commit("u1", record("u1", 1, 1))
	now = now.Add(2 * time.Second)

	var calls int
	rec, err := c.Load("u1", func() (*domain.PlayerRecord, error) {
		calls++
		return record("u1", 2, 2), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(2), rec.Version)
}

func TestRecordCache_RunJanitorStopsOnCancel(t *testing.T) {
	c := New(time.Nanosecond, testLogger())
	c.Commit("u1", record("u1", 1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRecordCache_StatsCountHitsAndMisses(t *testing.T) {
	c := New(time.Minute, testLogger())
	_, _ = c.Get("missing")
	c.Commit("u1", record("u1", 1, 1))
	_, _ = c.Get("u1")

	_, err := c.Load("u2", func() (*domain.PlayerRecord, error) { return nil, errors.New("disk") })
	require.Error(t, err)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(1), stats.Loads)
}
