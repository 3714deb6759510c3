// Package filestore is the authoritative player record store: one JSON
// document per player, replaced atomically on every write.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tapgame-core/internal/cache"
	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/fsutil"
)

const archiveDir = "_archive"

// MutatorFunc changes a record in place. Returning an error aborts the write.
type MutatorFunc func(rec *domain.PlayerRecord) error

// WriteTracker admits writes while the process is running.
type WriteTracker interface {
	Begin(key string) (done func(), err error)
}

// Notifier is told about every committed record.
type Notifier interface {
	Notify(key string, rec *domain.PlayerRecord)
}

// Stats holds store counters.
type Stats struct {
	Writes   uint64 `json:"writes"`
	Failures uint64 `json:"failures"`
	Restores uint64 `json:"restores"`
}

// Store reads and writes player records under a root directory.
type Store struct {
	root        string
	lockTimeout time.Duration
	lockTTL     time.Duration
	retention   int

	cache    *cache.RecordCache
	locker   Locker
	tracker  WriteTracker
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// beforeRename lets tests interrupt a write between fsync and rename.
	beforeRename func(tmpPath string) error

	writes   atomic.Uint64
	failures atomic.Uint64
	restores atomic.Uint64
}

// New creates a store rooted at cfg.PlayerDir and removes temp files left by
// interrupted writes.
func New(cfg *config.StorageConfig, recordCache *cache.RecordCache, locker Locker, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.PlayerDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating player dir: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating backup encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating backup decoder: %w", err)
	}

	s := &Store{
		root:        cfg.PlayerDir,
		lockTimeout: cfg.LockTimeout,
		lockTTL:     cfg.LockTTL,
		retention:   cfg.BackupRetention,
		cache:       recordCache,
		locker:      locker,
		logger:      logger,
		now:         time.Now,
		encoder:     encoder,
		decoder:     decoder,
	}

	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	removed := 0
	for _, key := range keys {
		n, err := fsutil.RemoveStaleTemps(s.playerDir(key.String()))
		if err != nil {
			return nil, fmt.Errorf("cleaning temp files for %s: %w", key, err)
		}
		removed += n
	}
	if removed > 0 {
		logger.Warn("removed temp files from interrupted writes", "count", removed)
	}
	logger.Info("record store opened", "root", cfg.PlayerDir, "players", len(keys))

	return s, nil
}

// SetTracker installs the in-flight write tracker.
func (s *Store) SetTracker(t WriteTracker) { s.tracker = t }

// SetNotifier installs the post-commit notifier.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// Close releases the backup codecs.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Root returns the directory the store lives in.
func (s *Store) Root() string { return s.root }

func (s *Store) playerDir(k string) string {
	return filepath.Join(s.root, k)
}

// Read returns the record for key, from cache when possible.
func (s *Store) Read(ctx context.Context, key domain.PlayerKey) (*domain.PlayerRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := key.String()
	return s.cache.Load(k, func() (*domain.PlayerRecord, error) {
		return s.ReadFromDisk(key)
	})
}

// ReadFromDisk bypasses the cache.
func (s *Store) ReadFromDisk(key domain.PlayerKey) (*domain.PlayerRecord, error) {
	path := filepath.Join(s.playerDir(key.String()), recordFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: player %s", domain.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", domain.ErrCorruptRecord, path, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("player %s: %w", key, err)
	}
	return rec, nil
}

// Exists reports whether a record file is present for key.
func (s *Store) Exists(key domain.PlayerKey) bool {
	_, err := os.Stat(filepath.Join(s.playerDir(key.String()), recordFile))
	return err == nil
}

// Keys lists every stored player, sorted by directory name.
func (s *Store) Keys() ([]domain.PlayerKey, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	keys := make([]domain.PlayerKey, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == archiveDir {
			continue
		}
		key, err := domain.ParsePlayerKey(e.Name())
		if err != nil {
			s.logger.Debug("skipping unrecognized player directory", "dir", e.Name(), "error", err)
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Count returns the number of stored players.
func (s *Store) Count() (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Stats returns write counters.
func (s *Store) Stats() Stats {
	return Stats{
		Writes:   s.writes.Load(),
		Failures: s.failures.Load(),
		Restores: s.restores.Load(),
	}
}

// Write applies mutate to the current record under the key's lock and
// persists the result. The returned record is what is now on disk.
func (s *Store) Write(ctx context.Context, key domain.PlayerKey, mutate MutatorFunc) (*domain.PlayerRecord, error) {
	return s.locked(ctx, key, func(k string, handle LockHandle) (*domain.PlayerRecord, error) {
		return s.writeLocked(key, handle, mutate)
	})
}

// Create persists rec as the first record for key. When a record already
// exists it is returned unchanged.
func (s *Store) Create(ctx context.Context, key domain.PlayerKey, rec *domain.PlayerRecord) (*domain.PlayerRecord, error) {
	return s.locked(ctx, key, func(k string, handle LockHandle) (*domain.PlayerRecord, error) {
		existing, err := s.ReadFromDisk(key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		next := rec.Clone()
		next.OwnerID, next.Username = key.OwnerID, key.Username
		if next.Version == 0 {
			next.Version = 1
		}
		next.Normalize()
		if err := next.Validate(); err != nil {
			return nil, err
		}
		if err := s.persist(s.playerDir(k), next, handle, nil); err != nil {
			return nil, err
		}
		s.logger.Info("player record created", "player_key", k)
		return next, nil
	})
}

// RestoreFromBackup replaces the current record, typically a corrupt one,
// with the newest snapshot that still loads.
func (s *Store) RestoreFromBackup(ctx context.Context, key domain.PlayerKey) (*domain.PlayerRecord, BackupInfo, error) {
	var used BackupInfo
	rec, err := s.locked(ctx, key, func(k string, handle LockHandle) (*domain.PlayerRecord, error) {
		dir := s.playerDir(k)
		backups, err := listBackups(filepath.Join(dir, backupDir))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
		}

		var restored *domain.PlayerRecord
		for _, b := range backups {
			rec, err := s.loadBackup(b)
			if err != nil {
				s.logger.Warn("skipping unreadable backup", "player_key", k, "backup", b.Path, "error", err)
				continue
			}
			restored, used = rec, b
			break
		}
		if restored == nil {
			return nil, fmt.Errorf("%w: player %s", domain.ErrNoBackup, key)
		}

		// raw is nil when no record file exists.
		raw, err := os.ReadFile(filepath.Join(dir, recordFile))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: reading current record: %v", domain.ErrWriteFailed, err)
		}
		current, decodeErr := decodeRecord(raw)
		if raw != nil && decodeErr == nil && current.Version >= restored.Version {
			restored.Version = current.Version
		}
		restored.Version++
		restored.UpdatedAt = s.nextUpdatedAt(restored.UpdatedAt)

		// The replaced file is copied aside first; record.json itself is only
		// ever swapped by the atomic rename in persist.
		quarantined, err := s.quarantine(dir, raw, decodeErr != nil)
		if err != nil {
			return nil, fmt.Errorf("%w: preserve replaced record: %v", domain.ErrWriteFailed, err)
		}
		if err := s.persist(dir, restored, handle, raw); err != nil {
			if quarantined != "" {
				_ = os.Remove(quarantined)
			}
			return nil, err
		}
		s.restores.Add(1)
		s.logger.Warn("player record restored from backup",
			"player_key", k,
			"backup", used.Path,
			"backup_created_at", used.CreatedAt,
			"quarantined", quarantined,
		)
		return restored, nil
	})
	if err != nil {
		return nil, BackupInfo{}, err
	}
	return rec, used, nil
}

// Backups lists the snapshots kept for key, newest first.
func (s *Store) Backups(key domain.PlayerKey) ([]BackupInfo, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return listBackups(filepath.Join(s.playerDir(key.String()), backupDir))
}

// Archive moves the player's directory under _archive. Records are never
// deleted.
func (s *Store) Archive(ctx context.Context, key domain.PlayerKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	k := key.String()
	done, err := s.begin(k)
	if err != nil {
		return "", err
	}
	defer done()

	handle, err := s.acquire(ctx, k)
	if err != nil {
		return "", err
	}
	defer s.release(handle)

	if !s.Exists(key) {
		return "", fmt.Errorf("%w: player %s", domain.ErrNotFound, key)
	}
	adir := filepath.Join(s.root, archiveDir)
	if err := os.MkdirAll(adir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	dst := filepath.Join(adir, k+"-"+strconv.FormatInt(s.now().Unix(), 10))
	if err := os.Rename(s.playerDir(k), dst); err != nil {
		return "", fmt.Errorf("%w: archive %s: %v", domain.ErrWriteFailed, k, err)
	}
	if err := fsutil.SyncDir(s.root); err != nil {
		s.logger.Warn("sync after archive failed", "player_key", k, "error", err)
	}
	s.cache.Invalidate(k)
	s.logger.Info("player archived", "player_key", k, "path", dst)
	return dst, nil
}

// locked runs fn with the write registered, the key locked and the cache
// entry marked dirty. The cache is committed before locked returns.
func (s *Store) locked(ctx context.Context, key domain.PlayerKey, fn func(k string, handle LockHandle) (*domain.PlayerRecord, error)) (*domain.PlayerRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	k := key.String()

	done, err := s.begin(k)
	if err != nil {
		return nil, err
	}
	defer done()

	handle, err := s.acquire(ctx, k)
	if err != nil {
		return nil, err
	}
	defer s.release(handle)

	s.cache.BeginWrite(k)
	rec, err := fn(k, handle)
	if err != nil {
		s.cache.Abort(k)
		if errors.Is(err, domain.ErrWriteFailed) {
			s.failures.Add(1)
			s.logger.Error("record write failed", "player_key", k, "error", err)
		}
		return nil, err
	}
	s.cache.Commit(k, rec)

	if s.notifier != nil {
		s.notifier.Notify(k, rec.Clone())
	}
	return rec.Clone(), nil
}

func (s *Store) begin(k string) (func(), error) {
	if s.tracker == nil {
		return func() {}, nil
	}
	return s.tracker.Begin(k)
}

func (s *Store) acquire(ctx context.Context, k string) (LockHandle, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	handle, err := s.locker.Acquire(lockCtx, k, s.lockTTL)
	if err == nil {
		return handle, nil
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: player %s after %s", domain.ErrLockTimeout, k, s.lockTimeout)
	}
	return nil, fmt.Errorf("%w: acquiring lock for %s: %v", domain.ErrLockTimeout, k, err)
}

func (s *Store) release(handle LockHandle) {
	if err := handle.Release(); err != nil {
		s.logger.Warn("lock release failed", "player_key", handle.Key(), "error", err)
	}
}

func (s *Store) writeLocked(key domain.PlayerKey, handle LockHandle, mutate MutatorFunc) (*domain.PlayerRecord, error) {
	dir := s.playerDir(key.String())
	path := filepath.Join(dir, recordFile)

	prev, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: player %s", domain.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", domain.ErrCorruptRecord, path, err)
	}
	current, err := decodeRecord(prev)
	if err != nil {
		return nil, fmt.Errorf("player %s: %w", key, err)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.OwnerID, next.Username = key.OwnerID, key.Username
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.nextUpdatedAt(current.UpdatedAt)
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := s.backup(dir, prev); err != nil {
		return nil, fmt.Errorf("%w: backup: %v", domain.ErrWriteFailed, err)
	}
	if err := s.persist(dir, next, handle, prev); err != nil {
		return nil, err
	}
	return next, nil
}

// persist atomically replaces the record file. based is the file content the
// new record was derived from, nil when no file existed. Right before the
// rename the lease is checked and the file is compared against based; either
// failing aborts with ErrLockLost. A lease that expires between that check
// and the rename can still race a takeover writer; lock_ttl >= lock_timeout
// keeps that window to the rename itself.
func (s *Store) persist(dir string, rec *domain.PlayerRecord, handle LockHandle, based []byte) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	path := filepath.Join(dir, recordFile)
	err = fsutil.WriteFile(path, data, fsutil.WriteOptions{
		BeforeRename: func(tmpPath string) error {
			if s.beforeRename != nil {
				if err := s.beforeRename(tmpPath); err != nil {
					return err
				}
			}
			if !handle.Valid() {
				return domain.ErrLockLost
			}
			return fenceRecord(path, based)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrWriteFailed, err)
	}
	s.writes.Add(1)
	return nil
}

// fenceRecord fails when the record file no longer holds based, meaning
// another writer committed after this write read the record.
func fenceRecord(path string, based []byte) error {
	onDisk, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if based == nil {
			return nil
		}
	case err != nil:
		return err
	case based != nil && bytes.Equal(onDisk, based):
		return nil
	}
	return fmt.Errorf("%w: record changed by another writer", domain.ErrLockLost)
}

// nextUpdatedAt returns a timestamp strictly after prev, at the microsecond
// precision the relational mirrors keep.
func (s *Store) nextUpdatedAt(prev time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond).Truncate(time.Microsecond)
	}
	return now
}
