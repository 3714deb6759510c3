// Package configsync loads game configuration entities from disk into
// in-memory collections that are swapped whole on every sync.
package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/fsutil"
)

const entityExt = ".json"

// collection is one immutable generation of a variant.
type collection struct {
	generation uint64
	syncedAt   time.Time
	byID       map[string]domain.ConfigEntity
	sorted     []domain.ConfigEntity
}

// FileIssue explains why a file was left out of a sync.
type FileIssue struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// VariantReport summarizes one SyncVariant call.
type VariantReport struct {
	Variant    domain.Variant `json:"variant"`
	Loaded     int            `json:"loaded"`
	Skipped    []FileIssue    `json:"skipped,omitempty"`
	Generation uint64         `json:"generation"`
	SyncedAt   time.Time      `json:"synced_at"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// SyncReport summarizes a SyncAll call, one entry per variant in sync order.
type SyncReport struct {
	Variants []VariantReport `json:"variants"`
}

// Skipped returns the total number of skipped files.
func (r SyncReport) Skipped() int {
	n := 0
	for _, v := range r.Variants {
		n += len(v.Skipped)
	}
	return n
}

// Synchronizer serves config lookups from memory. Readers never block on a
// sync and always see a single generation of a variant.
type Synchronizer struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	collections map[domain.Variant]*atomic.Pointer[collection]
	syncMu      map[domain.Variant]*sync.Mutex
}

// New creates a synchronizer over cfg.Dir with empty collections. Call
// SyncAll to load.
func New(cfg *config.ConfigDataConfig, logger *slog.Logger) *Synchronizer {
	s := &Synchronizer{
		root:        cfg.Dir,
		logger:      logger,
		now:         time.Now,
		collections: make(map[domain.Variant]*atomic.Pointer[collection], len(domain.AllVariants)),
		syncMu:      make(map[domain.Variant]*sync.Mutex, len(domain.AllVariants)),
	}
	for _, v := range domain.AllVariants {
		p := &atomic.Pointer[collection]{}
		p.Store(&collection{byID: map[string]domain.ConfigEntity{}})
		s.collections[v] = p
		s.syncMu[v] = &sync.Mutex{}
	}
	return s
}

// Root returns the configuration directory.
func (s *Synchronizer) Root() string { return s.root }

// SyncAll reloads every variant. A failing variant keeps its previous
// collection and does not stop the others.
func (s *Synchronizer) SyncAll(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	var errs []error
	for _, v := range domain.AllVariants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		vr, err := s.SyncVariant(ctx, v)
		if err != nil {
			vr.Error = err.Error()
			errs = append(errs, err)
		}
		report.Variants = append(report.Variants, vr)
	}
	return report, errors.Join(errs...)
}

// SyncVariant reloads one variant from {root}/{variant}/. Unreadable, invalid
// and duplicate files are skipped and reported; the rest replace the
// collection in a single swap.
func (s *Synchronizer) SyncVariant(ctx context.Context, v domain.Variant) (VariantReport, error) {
	ptr, ok := s.collections[v]
	if !ok {
		return VariantReport{Variant: v}, fmt.Errorf("%w: %q", domain.ErrInvalidVariant, v)
	}
	mu := s.syncMu[v]
	mu.Lock()
	defer mu.Unlock()

	start := s.now()
	report := VariantReport{Variant: v}
	dir := filepath.Join(s.root, string(v))

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return report, fmt.Errorf("listing %s: %w", dir, err)
	}

	byID := make(map[string]domain.ConfigEntity, len(entries))
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := e.Name()
		if e.IsDir() || fsutil.IsTemp(name) || !strings.HasSuffix(name, entityExt) {
			continue
		}
		path := filepath.Join(dir, name)
		entity, err := s.loadFile(v, path)
		if err != nil {
			report.Skipped = append(report.Skipped, FileIssue{File: path, Reason: err.Error()})
			continue
		}
		id := entity.EntityID()
		if want := strings.TrimSuffix(name, entityExt); id != want {
			report.Skipped = append(report.Skipped, FileIssue{
				File:   path,
				Reason: fmt.Sprintf("id %q does not match file name %q", id, want),
			})
			continue
		}
		if prev, dup := files[id]; dup {
			report.Skipped = append(report.Skipped, FileIssue{
				File:   path,
				Reason: fmt.Sprintf("duplicate id %q, already loaded from %s", id, prev),
			})
			continue
		}
		byID[id] = entity
		files[id] = path
	}

	sorted := make([]domain.ConfigEntity, 0, len(byID))
	for _, entity := range byID {
		sorted = append(sorted, entity)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EntityID() < sorted[j].EntityID() })

	next := &collection{
		generation: ptr.Load().generation + 1,
		syncedAt:   s.now().UTC(),
		byID:       byID,
		sorted:     sorted,
	}
	ptr.Store(next)

	report.Loaded = len(sorted)
	report.Generation = next.generation
	report.SyncedAt = next.syncedAt
	report.Duration = s.now().Sub(start)

	for _, issue := range report.Skipped {
		s.logger.Warn("skipped config file", "variant", v, "file", issue.File, "reason", issue.Reason)
	}
	s.logger.Info("config variant synced",
		"variant", v,
		"loaded", report.Loaded,
		"skipped", len(report.Skipped),
		"generation", report.Generation,
	)
	return report, nil
}

func (s *Synchronizer) loadFile(v domain.Variant, path string) (domain.ConfigEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}
	return domain.DecodeEntity(v, data)
}

// Get looks up one entity in the current generation.
func (s *Synchronizer) Get(v domain.Variant, id string) (domain.ConfigEntity, bool) {
	ptr, ok := s.collections[v]
	if !ok {
		return nil, false
	}
	entity, ok := ptr.Load().byID[id]
	return entity, ok
}

// List returns the current generation of a variant sorted by id. The slice
// must not be modified.
func (s *Synchronizer) List(v domain.Variant) []domain.ConfigEntity {
	ptr, ok := s.collections[v]
	if !ok {
		return nil
	}
	return ptr.Load().sorted
}

// Upgrade returns the upgrade definition with the given id.
func (s *Synchronizer) Upgrade(id string) (*domain.Upgrade, bool) {
	entity, ok := s.Get(domain.VariantUpgrades, id)
	if !ok {
		return nil, false
	}
	u, ok := entity.(*domain.Upgrade)
	return u, ok
}

// Generation returns how many times the variant has been swapped.
func (s *Synchronizer) Generation(v domain.Variant) uint64 {
	ptr, ok := s.collections[v]
	if !ok {
		return 0
	}
	return ptr.Load().generation
}

// LastSyncTimes returns when each variant was last swapped. Variants never
// synced are omitted.
func (s *Synchronizer) LastSyncTimes() map[domain.Variant]time.Time {
	out := make(map[domain.Variant]time.Time, len(s.collections))
	for v, ptr := range s.collections {
		if c := ptr.Load(); c.generation > 0 {
			out[v] = c.syncedAt
		}
	}
	return out
}

// Counts returns the number of loaded entities per variant.
func (s *Synchronizer) Counts() map[domain.Variant]int {
	out := make(map[domain.Variant]int, len(s.collections))
	for v, ptr := range s.collections {
		out[v] = len(ptr.Load().sorted)
	}
	return out
}

// Save validates entity and writes it atomically to its file. The in-memory
// collection is unchanged until the variant is synced.
func (s *Synchronizer) Save(ctx context.Context, entity domain.ConfigEntity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := entity.Validate(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encoding %s: %v", domain.ErrInvalidEntity, entity.EntityID(), err)
	}
	path := s.entityPath(entity.Kind(), entity.EntityID())
	if err := fsutil.WriteFile(path, append(data, '\n'), fsutil.WriteOptions{}); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrWriteFailed, err)
	}
	s.logger.Info("config entity saved", "variant", entity.Kind(), "id", entity.EntityID())
	return path, nil
}

// Delete removes an entity file. The in-memory collection is unchanged until
// the variant is synced.
func (s *Synchronizer) Delete(ctx context.Context, v domain.Variant, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.collections[v]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrInvalidVariant, v)
	}
	path := s.entityPath(v, id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s %q", domain.ErrNotFound, v, id)
		}
		return fmt.Errorf("%w: %w", domain.ErrWriteFailed, err)
	}
	if err := fsutil.SyncDir(filepath.Dir(path)); err != nil {
		s.logger.Warn("sync after delete failed", "variant", v, "id", id, "error", err)
	}
	s.logger.Info("config entity deleted", "variant", v, "id", id)
	return nil
}

func (s *Synchronizer) entityPath(v domain.Variant, id string) string {
	return filepath.Join(s.root, string(v), filepath.Base(id)+entityExt)
}
