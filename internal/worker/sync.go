package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/domain"
)

// ConfigSyncer reloads game configuration from disk
type ConfigSyncer interface {
	SyncConfig(ctx context.Context) (configsync.SyncReport, error)
}

// RecordSource lists and reads committed records
type RecordSource interface {
	Keys() ([]domain.PlayerKey, error)
	ReadFromDisk(key domain.PlayerKey) (*domain.PlayerRecord, error)
}

// Backfiller pushes records to every mirror synchronously
type Backfiller interface {
	Backfill(ctx context.Context, records []*domain.PlayerRecord) error
}

// Evicter drops expired cache entries
type Evicter interface {
	Evict() int
}

// ReconcileReport summarizes one reconcile pass
type ReconcileReport struct {
	Records  int           `json:"records"`
	Batches  int           `json:"batches"`
	Skipped  []string      `json:"skipped,omitempty"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// SyncWorker runs periodic config resync, cache eviction and mirror
// reconciliation
type SyncWorker struct {
	configs ConfigSyncer
	records RecordSource
	mirrors Backfiller
	cache   Evicter
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	configs ConfigSyncer,
	records RecordSource,
	mirrors Backfiller,
	cache Evicter,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		configs: configs,
		records: records,
		mirrors: mirrors,
		cache:   cache,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started",
		"interval", w.config.Interval,
		"config_interval", w.config.ConfigInterval,
		"reconcile_interval", w.config.ReconcileInterval,
	)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		d = time.Minute
	}
	return time.NewTicker(d)
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	evictTicker := newTicker(w.config.Interval)
	defer evictTicker.Stop()
	configTicker := newTicker(w.config.ConfigInterval)
	defer configTicker.Stop()
	reconcileTicker := newTicker(w.config.ReconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-evictTicker.C:
			w.evict()
		case <-configTicker.C:
			w.syncConfig(ctx)
		case <-reconcileTicker.C:
			if _, err := w.Reconcile(ctx); err != nil {
				w.logger.Error("reconcile failed", "error", err)
			}
		}
	}
}

func (w *SyncWorker) evict() {
	if n := w.cache.Evict(); n > 0 {
		w.logger.Debug("evicted cache entries", "count", n)
	}
}

func (w *SyncWorker) syncConfig(ctx context.Context) {
	report, err := w.configs.SyncConfig(ctx)
	if err != nil {
		w.logger.Error("config resync failed", "error", err)
		return
	}
	w.logger.Debug("config resync completed", "variants", len(report.Variants))
}

// Reconcile pushes every record on disk to the mirrors in batches of
// sync.batch_size. Unreadable records are skipped and reported.
func (w *SyncWorker) Reconcile(ctx context.Context) (ReconcileReport, error) {
	startTime := time.Now()
	var report ReconcileReport

	keys, err := w.records.Keys()
	if err != nil {
		return report, err
	}

	batchSize := w.config.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var errs []error
	batch := make([]*domain.PlayerRecord, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		report.Batches++
		if err := w.mirrors.Backfill(ctx, batch); err != nil {
			report.Failed += len(batch)
			errs = append(errs, err)
		}
		batch = batch[:0]
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := w.records.ReadFromDisk(key)
		if err != nil {
			w.logger.Warn("skipping record during reconcile",
				"player_key", key.String(),
				"error", err,
			)
			report.Skipped = append(report.Skipped, key.String())
			continue
		}
		report.Records++
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()

	report.Duration = time.Since(startTime)
	w.logger.Info("reconcile completed",
		"duration", report.Duration,
		"records", report.Records,
		"batches", report.Batches,
		"skipped", len(report.Skipped),
		"failed", report.Failed,
	)
	return report, errors.Join(errs...)
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs every task once (useful for manual triggers)
func (w *SyncWorker) RunOnce(ctx context.Context) (ReconcileReport, error) {
	w.evict()
	w.syncConfig(ctx)
	return w.Reconcile(ctx)
}
