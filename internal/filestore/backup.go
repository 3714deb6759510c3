package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/fsutil"
)

const (
	backupDir      = "backups"
	backupPrefix   = "record-"
	backupSuffix   = ".json.zst"
	corruptPrefix  = "corrupt-"
	replacedPrefix = "replaced-"
)

// BackupInfo describes one compressed snapshot of a previous record.
type BackupInfo struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// backup stores data, the current record file, as a compressed snapshot and
// prunes snapshots beyond the retention count.
func (s *Store) backup(dir string, data []byte) error {
	bdir := filepath.Join(dir, backupDir)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	stamp := s.now().UnixNano()
	path := backupPath(bdir, stamp)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		stamp++
		path = backupPath(bdir, stamp)
	}

	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if err := fsutil.WriteFile(path, compressed, fsutil.WriteOptions{}); err != nil {
		return err
	}
	return s.pruneBackups(bdir)
}

func backupPath(bdir string, stamp int64) string {
	return filepath.Join(bdir, fmt.Sprintf("%s%019d%s", backupPrefix, stamp, backupSuffix))
}

func (s *Store) pruneBackups(bdir string) error {
	backups, err := listBackups(bdir)
	if err != nil {
		return err
	}
	if s.retention <= 0 || len(backups) <= s.retention {
		return nil
	}
	for _, b := range backups[s.retention:] {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune backup %s: %w", b.Path, err)
		}
	}
	return nil
}

// listBackups returns the snapshots in bdir, newest first.
func listBackups(bdir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(bdir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var backups []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix), 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(bdir, name),
			CreatedAt: time.Unix(0, stamp).UTC(),
			Size:      info.Size(),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// loadBackup decompresses and decodes one snapshot.
func (s *Store) loadBackup(b BackupInfo) (*domain.PlayerRecord, error) {
	compressed, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", domain.ErrCorruptRecord, b.Path, err)
	}
	return decodeRecord(data)
}

// quarantine copies data, the record file about to be replaced by a restore,
// into the backup directory so it can be inspected later. The copy is named
// corrupt-* when the file failed to load and replaced-* otherwise. The
// original stays in place.
func (s *Store) quarantine(dir string, data []byte, corrupt bool) (string, error) {
	if data == nil {
		return "", nil
	}
	prefix := replacedPrefix
	if corrupt {
		prefix = corruptPrefix
	}
	dst := filepath.Join(dir, backupDir, fmt.Sprintf("%s%d.json", prefix, s.now().UnixNano()))
	if err := fsutil.WriteFile(dst, data, fsutil.WriteOptions{}); err != nil {
		return "", err
	}
	return dst, nil
}
