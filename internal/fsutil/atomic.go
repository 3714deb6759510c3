// Package fsutil holds the crash-safe file primitives shared by the record
// store and the config synchronizer.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// TempPattern is the CreateTemp pattern for in-progress writes. Readers skip
// files matching it.
const TempPattern = ".tmp-*"

// WriteOptions tunes WriteFile.
type WriteOptions struct {
	Perm os.FileMode
	// BeforeRename runs after the temp file is synced and before it replaces
	// the target. A non-nil error aborts the write and leaves the target untouched.
	BeforeRename func(tmpPath string) error
}

// WriteFile replaces path with data so that a concurrent reader or a crash at
// any point observes either the old or the new content, never a mix.
func WriteFile(path string, data []byte, opts WriteOptions) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	perm := opts.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}

	if opts.BeforeRename != nil {
		if err = opts.BeforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so a completed rename survives power loss.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// IsTemp reports whether name is a leftover in-progress write.
func IsTemp(name string) bool {
	ok, _ := filepath.Match(TempPattern, name)
	return ok
}

// RemoveStaleTemps deletes leftover temp files in dir, returning how many
// were removed. They are only ever produced by interrupted writes.
func RemoveStaleTemps(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !IsTemp(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
