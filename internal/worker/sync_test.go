package worker

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
	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/domain"
)

type fakeConfigs struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeConfigs) SyncConfig(context.Context) (configsync.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return configsync.SyncReport{}, nil
}

func (f *fakeConfigs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecords struct {
	keys    []domain.PlayerKey
	corrupt map[string]bool
}

func (f *fakeRecords) Keys() ([]domain.PlayerKey, error) { return f.keys, nil }

func (f *fakeRecords) ReadFromDisk(key domain.PlayerKey) (*domain.PlayerRecord, error) {
	if f.corrupt[key.String()] {
		return nil, domain.ErrCorruptRecord
	}
	return domain.NewPlayerRecord(key, domain.DefaultPlayerDefaults(), time.Unix(1700000000, 0)), nil
}

type fakeMirrors struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeMirrors) Backfill(_ context.Context, records []*domain.PlayerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key().String())
	}
	f.batches = append(f.batches, keys)
	return f.err
}

type fakeCache struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCache) Evict() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1
}

func (f *fakeCache) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func keys(owners ...string) []domain.PlayerKey {
	out := make([]domain.PlayerKey, 0, len(owners))
	for _, o := range owners {
		out = append(out, domain.PlayerKey{OwnerID: o})
	}
	return out
}

func newTestWorker(records *fakeRecords, mirrors *fakeMirrors, cfg *config.SyncConfig) (*SyncWorker, *fakeConfigs, *fakeCache) {
	configs := &fakeConfigs{}
	cache := &fakeCache{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSyncWorker(configs, records, mirrors, cache, cfg, logger), configs, cache
}

func TestSyncWorker_ReconcileBatches(t *testing.T) {
	records := &fakeRecords{
		keys:    keys("a", "b", "c", "d", "e"),
		corrupt: map[string]bool{"c": true},
	}
	mirrors := &fakeMirrors{}
	w, _, _ := newTestWorker(records, mirrors, &config.SyncConfig{BatchSize: 2})

	report, err := w.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, []string{"c"}, report.Skipped)
	assert.Equal(t, [][]string{{"a", "b"}, {"d", "e"}}, mirrors.batches)
}

func TestSyncWorker_ReconcileReportsMirrorFailures(t *testing.T) {
	mirrors := &fakeMirrors{err: errors.New("mirror down")}
	w, _, _ := newTestWorker(&fakeRecords{keys: keys("a", "b", "c")}, mirrors, &config.SyncConfig{BatchSize: 2})

	report, err := w.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, report.Failed)
	assert.Len(t, mirrors.batches, 2, "later batches are still attempted")
}

func TestSyncWorker_RunOnce(t *testing.T) {
	w, configs, cache := newTestWorker(&fakeRecords{keys: keys("a")}, &fakeMirrors{}, &config.SyncConfig{})

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 1, configs.count())
	assert.Equal(t, 1, cache.count())
}

func TestSyncWorker_StartStop(t *testing.T) {
	cfg := &config.SyncConfig{
		Interval:          5 * time.Millisecond,
		ConfigInterval:    5 * time.Millisecond,
		ReconcileInterval: time.Hour,
	}
	w, configs, cache := newTestWorker(&fakeRecords{}, &fakeMirrors{}, cfg)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	require.Eventually(t, func() bool {
		return configs.count() > 0 && cache.count() > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}
