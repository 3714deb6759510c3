package filestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapgame-core/internal/cache"
	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStorageConfig(t *testing.T) *config.StorageConfig {
	t.Helper()
	return &config.StorageConfig{
		PlayerDir:       t.TempDir(),
		LockBackend:     config.LockBackendLocal,
		LockTimeout:     time.Second,
		LockTTL:         5 * time.Second,
		BackupRetention: 3,
	}
}

func newTestStore(t *testing.T, cfg *config.StorageConfig) (*Store, *cache.RecordCache) {
	t.Helper()
	c := cache.New(time.Minute, testLogger())
	s, err := New(cfg, c, NewLocalLocker(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, c
}

func createPlayer(t *testing.T, s *Store, owner string, points int64) domain.PlayerKey {
	t.Helper()
	key := domain.PlayerKey{OwnerID: owner}
	rec := domain.NewPlayerRecord(key, domain.DefaultPlayerDefaults(), time.Now())
	rec.Points = points
	_, err := s.Create(context.Background(), key, rec)
	require.NoError(t, err)
	return key
}

func addPoints(n int64) MutatorFunc {
	return func(rec *domain.PlayerRecord) error {
		rec.Points += n
		return nil
	}
}

func TestStore_ReadMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))

	_, err := s.Read(context.Background(), domain.PlayerKey{OwnerID: "ghost"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Write(context.Background(), domain.PlayerKey{OwnerID: "ghost"}, addPoints(1))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_PatchRoundTrip(t *testing.T) {
	s, c := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 10)

	points, level := int64(250), 4
	patch := domain.PlayerPatch{
		Points:           &points,
		Level:            &level,
		Upgrades:         map[string]int{"tap-power": 2},
		UnlockCharacters: []string{"wizard", "knight"},
	}
	written, err := s.Write(ctx, key, patch.Apply)
	require.NoError(t, err)
	assert.Empty(t, c.DirtyKeys())

	cached, err := s.Read(ctx, key)
	require.NoError(t, err)
	fromDisk, err := s.ReadFromDisk(key)
	require.NoError(t, err)

	for _, rec := range []*domain.PlayerRecord{written, cached, fromDisk} {
		assert.Equal(t, int64(250), rec.Points)
		assert.Equal(t, 4, rec.Level)
		assert.Equal(t, map[string]int{"tap-power": 2}, rec.Upgrades)
		assert.Equal(t, []string{"knight", "wizard"}, rec.UnlockedCharacters)
		assert.Equal(t, int64(2), rec.Version)
	}
	assert.True(t, fromDisk.UpdatedAt.After(fromDisk.CreatedAt))
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	s, c := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 7)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(ctx, key, addPoints(1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := s.ReadFromDisk(key)
	require.NoError(t, err)
	assert.Equal(t, int64(n+7), rec.Points)
	assert.Equal(t, int64(n+1), rec.Version)
	assert.Empty(t, c.DirtyKeys())
}

func TestStore_CrashBeforeRenameLeavesPreviousFile(t *testing.T) {
	s, c := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 10)

	path := filepath.Join(s.Root(), key.String(), recordFile)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	s.beforeRename = func(string) error { return errors.New("simulated crash") }
	_, err = s.Write(ctx, key, addPoints(90))
	require.ErrorIs(t, err, domain.ErrWriteFailed)
	s.beforeRename = nil

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, c.DirtyKeys())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}

	rec, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Points)
}

func TestStore_StaleTempFilesRemovedOnOpen(t *testing.T) {
	cfg := testStorageConfig(t)
	s, _ := newTestStore(t, cfg)
	key := createPlayer(t, s, "u1", 10)

	stale := filepath.Join(cfg.PlayerDir, key.String(), ".tmp-12345")
	require.NoError(t, os.WriteFile(stale, []byte("{partial"), 0o644))

	_, _ = newTestStore(t, cfg)
	assert.NoFileExists(t, stale)
}

func TestStore_MutatorErrorLeavesRecord(t *testing.T) {
	s, c := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 10)

	_, err := s.Write(ctx, key, func(rec *domain.PlayerRecord) error {
		rec.Points = 0
		return domain.ErrInsufficientFunds
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, c.DirtyKeys())

	rec, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Points)
	assert.Equal(t, int64(1), rec.Version)
}

func TestStore_InvalidResultIsRejected(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	key := createPlayer(t, s, "u1", 10)

	_, err := s.Write(context.Background(), key, addPoints(-11))
	require.ErrorIs(t, err, domain.ErrInvalidRecord)
}

func TestStore_LockTimeout(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.LockTimeout = 50 * time.Millisecond
	s, c := newTestStore(t, cfg)
	key := createPlayer(t, s, "u1", 10)

	held, err := s.locker.Acquire(context.Background(), key.String(), time.Minute)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = s.Write(context.Background(), key, addPoints(1))
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, c.DirtyKeys())
}

func TestStore_DifferentKeysDoNotBlock(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.LockTimeout = 50 * time.Millisecond
	s, _ := newTestStore(t, cfg)
	a := createPlayer(t, s, "alice", 1)
	b := createPlayer(t, s, "bob", 1)

	held, err := s.locker.Acquire(context.Background(), a.String(), time.Minute)
	require.NoError(t, err)
	defer held.Release()

	rec, err := s.Write(context.Background(), b, addPoints(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Points)
}

func TestStore_LostLeaseAbortsWrite(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.LockTTL = 20 * time.Millisecond
	s, _ := newTestStore(t, cfg)
	key := createPlayer(t, s, "u1", 10)

	s.beforeRename = func(string) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}
	_, err := s.Write(context.Background(), key, addPoints(1))
	require.ErrorIs(t, err, domain.ErrWriteFailed)
	require.ErrorIs(t, err, domain.ErrLockLost)

	rec, err := s.ReadFromDisk(key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Points)
}

func TestStore_CorruptRecordAndRestore(t *testing.T) {
	s, c := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 10)
	_, err := s.Write(ctx, key, addPoints(5))
	require.NoError(t, err)

	path := filepath.Join(s.Root(), key.String(), recordFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"owner_id": "u1", "points": `), 0o644))
	c.Invalidate(key.String())

	_, err = s.Read(ctx, key)
	require.ErrorIs(t, err, domain.ErrCorruptRecord)

	rec, info, err := s.RestoreFromBackup(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Path)
	assert.Equal(t, int64(10), rec.Points, "newest backup holds the state before the last write")
	assert.Equal(t, int64(2), rec.Version)

	fromDisk, err := s.ReadFromDisk(key)
	require.NoError(t, err)
	assert.Equal(t, rec.Points, fromDisk.Points)

	matches, err := filepath.Glob(filepath.Join(s.Root(), key.String(), backupDir, corruptPrefix+"*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "corrupt file is kept for inspection")
}

func TestStore_FailedRestoreKeepsCorruptRecordInPlace(t *testing.T) {
	s, c := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 10)
	_, err := s.Write(ctx, key, addPoints(5))
	require.NoError(t, err)

	path := filepath.Join(s.Root(), key.String(), recordFile)
	corrupt := []byte(`{"owner_id": "u1", "points": `)
	require.NoError(t, os.WriteFile(path, corrupt, 0o644))
	c.Invalidate(key.String())

	s.beforeRename = func(string) error { return errors.New("disk full") }
	_, _, err = s.RestoreFromBackup(ctx, key)
	require.ErrorIs(t, err, domain.ErrWriteFailed)
	s.beforeRename = nil

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err, "record.json must survive a failed restore")
	assert.Equal(t, corrupt, onDisk)

	_, err = s.Read(ctx, key)
	require.ErrorIs(t, err, domain.ErrCorruptRecord)
	assert.NotErrorIs(t, err, domain.ErrNotFound)

	matches, err := filepath.Glob(filepath.Join(s.Root(), key.String(), backupDir, corruptPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no copy is left behind for a restore that did not happen")

	rec, _, err := s.RestoreFromBackup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Points)
}

func TestStore_RestoreOfHealthyRecordIsNotLabelledCorrupt(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 10)
	_, err := s.Write(ctx, key, addPoints(5))
	require.NoError(t, err)

	_, _, err = s.RestoreFromBackup(ctx, key)
	require.NoError(t, err)

	bdir := filepath.Join(s.Root(), key.String(), backupDir)
	corrupt, err := filepath.Glob(filepath.Join(bdir, corruptPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, corrupt)
	replaced, err := filepath.Glob(filepath.Join(bdir, replacedPrefix+"*"))
	require.NoError(t, err)
	require.Len(t, replaced, 1)

	kept, err := os.ReadFile(replaced[0])
	require.NoError(t, err)
	prev, err := decodeRecord(kept)
	require.NoError(t, err)
	assert.Equal(t, int64(15), prev.Points)
}

func TestStore_WriteFencedWhenRecordChangesBeforeRename(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 10)
	path := filepath.Join(s.Root(), key.String(), recordFile)

	// Another writer commits between this write's read and its rename.
	var takeover []byte
	s.beforeRename = func(string) error {
		rec, err := s.ReadFromDisk(key)
		require.NoError(t, err)
		rec.Points = 99
		rec.Version++
		takeover, err = encodeRecord(rec)
		require.NoError(t, err)
		return os.WriteFile(path, takeover, 0o644)
	}
	_, err := s.Write(ctx, key, addPoints(1))
	s.beforeRename = nil
	require.ErrorIs(t, err, domain.ErrWriteFailed)
	require.ErrorIs(t, err, domain.ErrLockLost)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, takeover, onDisk)
}

func TestStore_RestoreWithoutBackup(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	key := createPlayer(t, s, "u1", 10)

	_, _, err := s.RestoreFromBackup(context.Background(), key)
	require.ErrorIs(t, err, domain.ErrNoBackup)
}

func TestStore_BackupRetention(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := createPlayer(t, s, "u1", 0)

	for i := 0; i < 8; i++ {
		_, err := s.Write(ctx, key, addPoints(1))
		require.NoError(t, err)
	}

	backups, err := s.Backups(key)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	for i := 1; i < len(backups); i++ {
		assert.True(t, backups[i-1].CreatedAt.After(backups[i].CreatedAt))
	}

	newest, err := s.loadBackup(backups[0])
	require.NoError(t, err)
	assert.Equal(t, int64(7), newest.Points)
}

func TestStore_CreateIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	key := domain.PlayerKey{OwnerID: "u1", Username: "Ada"}

	var wg sync.WaitGroup
	results := make([]*domain.PlayerRecord, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := domain.NewPlayerRecord(key, domain.DefaultPlayerDefaults(), time.Now())
			rec.Points = int64(i)
			got, err := s.Create(ctx, key, rec)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	for _, rec := range results {
		require.NotNil(t, rec)
		assert.Equal(t, results[0].Points, rec.Points)
		assert.Equal(t, int64(1), rec.Version)
	}
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ArchiveAndKeys(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	ctx := context.Background()
	createPlayer(t, s, "alice", 1)
	bob := createPlayer(t, s, "bob", 1)

	dst, err := s.Archive(ctx, bob)
	require.NoError(t, err)
	assert.DirExists(t, dst)
	assert.False(t, s.Exists(bob))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []domain.PlayerKey{{OwnerID: "alice"}}, keys)

	_, err = s.Read(ctx, bob)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Archive(ctx, bob)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

type trackerFunc func(string) (func(), error)

func (f trackerFunc) Begin(key string) (func(), error) { return f(key) }

func TestStore_TrackerRejectsWrites(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	key := createPlayer(t, s, "u1", 1)

	s.SetTracker(trackerFunc(func(string) (func(), error) { return nil, domain.ErrStoreDraining }))
	_, err := s.Write(context.Background(), key, addPoints(1))
	require.ErrorIs(t, err, domain.ErrStoreDraining)
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []*domain.PlayerRecord
}

func (n *recordingNotifier) Notify(_ string, rec *domain.PlayerRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
}

func TestStore_NotifiesAfterCommit(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	n := &recordingNotifier{}
	s.SetNotifier(n)

	key := createPlayer(t, s, "u1", 1)
	_, err := s.Write(context.Background(), key, addPoints(1))
	require.NoError(t, err)

	require.Len(t, n.records, 2)
	assert.Equal(t, int64(2), n.records[1].Version)
}

func TestStore_RecordFormat(t *testing.T) {
	s, _ := newTestStore(t, testStorageConfig(t))
	key := domain.PlayerKey{OwnerID: "u1", Username: "Ada"}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := domain.NewPlayerRecord(key, domain.DefaultPlayerDefaults(), at)
	rec.Points = 1500
	rec.Upgrades = map[string]int{"tap-power": 2, "auto-tap": 1}
	rec.UnlockedCharacters = []string{"knight"}
	rec.SelectedCharacterID = "knight"
	_, err := s.Create(context.Background(), key, rec)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.Root(), key.String(), recordFile))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "record", data)
}
