// Package replication mirrors committed player records into query stores.
// Mirroring is asynchronous and best-effort: the record store is the source
// of truth and never waits on, or fails because of, a mirror.
package replication

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

// Mirror is a secondary store fed from committed records. UpsertPlayers must
// be idempotent and keep the row with the newest (updated_at, version).
type Mirror interface {
	Name() string
	UpsertPlayers(ctx context.Context, records []*domain.PlayerRecord) error
}

// Stats holds bridge counters.
type Stats struct {
	Pending     int       `json:"pending"`
	InFlight    int       `json:"in_flight"`
	Enqueued    uint64    `json:"enqueued"`
	Coalesced   uint64    `json:"coalesced"`
	Dropped     uint64    `json:"dropped"`
	Mirrored    uint64    `json:"mirrored"`
	Failures    uint64    `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

type pendingEntry struct {
	key    string
	record *domain.PlayerRecord
}

// Bridge queues committed records per player and pushes them to every mirror
// from a small worker pool.
type Bridge struct {
	mirrors    []Mirror
	config     *config.ReplicationConfig
	logger     *slog.Logger
	maxPending int
	batchSize  int

	mu       sync.Mutex
	order    *list.List
	pending  map[string]*list.Element
	inFlight map[string]int
	lastErr  string
	lastOK   time.Time

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	enqueued  atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	mirrored  atomic.Uint64
	failures  atomic.Uint64
}

// NewBridge creates a bridge over the given mirrors. With no mirrors every
// notification is accepted and discarded.
func NewBridge(mirrors []Mirror, cfg *config.ReplicationConfig, logger *slog.Logger) *Bridge {
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = 10000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Bridge{
		mirrors:    mirrors,
		config:     cfg,
		logger:     logger,
		maxPending: maxPending,
		batchSize:  batchSize,
		order:      list.New(),
		pending:    make(map[string]*list.Element),
		inFlight:   make(map[string]int),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Mirrors returns the configured mirror names.
func (b *Bridge) Mirrors() []string {
	names := make([]string, len(b.mirrors))
	for i, m := range b.mirrors {
		names[i] = m.Name()
	}
	return names
}

// Notify queues rec for mirroring without blocking. A record already queued
// for the same key is replaced when rec is newer. When the queue is full the
// oldest key is dropped; the periodic reconcile pushes it again.
func (b *Bridge) Notify(key string, rec *domain.PlayerRecord) {
	if len(b.mirrors) == 0 {
		return
	}
	b.enqueued.Add(1)

	b.mu.Lock()
	if el, ok := b.pending[key]; ok {
		entry := el.Value.(*pendingEntry)
		if newer(rec, entry.record) {
			entry.record = rec
		}
		b.mu.Unlock()
		b.coalesced.Add(1)
		return
	}

	var droppedKey string
	if b.order.Len() >= b.maxPending {
		front := b.order.Front()
		droppedKey = front.Value.(*pendingEntry).key
		b.order.Remove(front)
		delete(b.pending, droppedKey)
	}
	b.pending[key] = b.order.PushBack(&pendingEntry{key: key, record: rec})
	b.mu.Unlock()

	if droppedKey != "" {
		b.dropped.Add(1)
		b.logger.Warn("replication queue full, dropped oldest pending record",
			"player_key", droppedKey,
			"max_pending", b.maxPending,
		)
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func newer(a, b *domain.PlayerRecord) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Version > b.Version
}

// Start launches the worker pool.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	workers := b.config.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.run(ctx, i)
	}
	b.logger.Info("replication bridge started", "workers", workers, "mirrors", b.Mirrors())
	return nil
}

// Stop halts the workers after their current batch. Records still queued stay
// queued; call Flush first to push them.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	b.logger.Info("replication bridge stopped", "pending", b.Stats().Pending)
	return nil
}

func (b *Bridge) run(ctx context.Context, id int) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-b.wake:
		}

		for {
			batch := b.take()
			if len(batch) == 0 {
				break
			}
			b.push(ctx, batch)
			select {
			case <-b.stopCh:
				return
			default:
			}
		}
		b.logger.Debug("replication worker idle", "worker", id)
	}
}

// take removes up to batchSize entries from the front of the queue and marks
// them in flight.
func (b *Bridge) take() []*pendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(b.batchSize, b.order.Len())
	batch := make([]*pendingEntry, 0, n)
	for i := 0; i < n; i++ {
		el := b.order.Front()
		entry := el.Value.(*pendingEntry)
		b.order.Remove(el)
		delete(b.pending, entry.key)
		b.inFlight[entry.key]++
		batch = append(batch, entry)
	}
	return batch
}

// push sends a batch to every mirror. It returns the keys that at least one
// mirror failed to accept.
func (b *Bridge) push(ctx context.Context, batch []*pendingEntry) []string {
	records := make([]*domain.PlayerRecord, len(batch))
	for i, entry := range batch {
		records[i] = entry.record
	}

	var failed bool
	for _, m := range b.mirrors {
		if err := b.pushMirror(ctx, m, records); err != nil {
			failed = true
			b.failures.Add(1)
			b.mu.Lock()
			b.lastErr = err.Error()
			b.mu.Unlock()
			b.logger.Error("mirror upsert failed",
				"mirror", m.Name(),
				"records", len(records),
				"error", err,
			)
		}
	}

	b.mu.Lock()
	for _, entry := range batch {
		if b.inFlight[entry.key]--; b.inFlight[entry.key] <= 0 {
			delete(b.inFlight, entry.key)
		}
	}
	if !failed {
		b.lastOK = time.Now()
	}
	b.mu.Unlock()

	if failed {
		keys := make([]string, len(batch))
		for i, entry := range batch {
			keys[i] = entry.key
		}
		return keys
	}
	b.mirrored.Add(uint64(len(records)))
	return nil
}

func (b *Bridge) pushMirror(ctx context.Context, m Mirror, records []*domain.PlayerRecord) (err error) {
	timeout := b.config.MirrorTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mirror %s panicked: %v", m.Name(), r)
		}
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", domain.ErrReplicationFailed, m.Name(), err)
		}
	}()
	return m.UpsertPlayers(mctx, records)
}

// Flush pushes everything queued and waits for in-flight batches. It returns
// the keys that were not mirrored: still queued when ctx ended, or rejected
// by a mirror.
func (b *Bridge) Flush(ctx context.Context) ([]string, error) {
	var failed []string
	for {
		if err := ctx.Err(); err != nil {
			return mergeKeys(failed, b.PendingKeys()), err
		}
		batch := b.take()
		if len(batch) == 0 {
			break
		}
		failed = append(failed, b.push(ctx, batch)...)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		busy := len(b.inFlight)
		b.mu.Unlock()
		if busy == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return mergeKeys(failed, b.PendingKeys()), ctx.Err()
		case <-ticker.C:
		}
	}

	if len(failed) > 0 {
		return mergeKeys(failed, nil), fmt.Errorf("%w: %d records not mirrored", domain.ErrReplicationFailed, len(failed))
	}
	return nil, nil
}

func mergeKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, keys := range [][]string{a, b} {
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Forget drops the queued record for key and waits until no batch holding key
// is in flight, so a mirror delete issued afterwards is not undone by a late
// upsert. Callers must make sure no new record for key is committed meanwhile.
func (b *Bridge) Forget(ctx context.Context, key string) error {
	b.mu.Lock()
	if el, ok := b.pending[key]; ok {
		b.order.Remove(el)
		delete(b.pending, key)
	}
	busy := b.inFlight[key] > 0
	b.mu.Unlock()
	if !busy {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		b.mu.Lock()
		busy = b.inFlight[key] > 0
		b.mu.Unlock()
		if !busy {
			return nil
		}
	}
}

// PendingKeys returns the queued and in-flight keys, sorted.
func (b *Bridge) PendingKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.pending)+len(b.inFlight))
	for k := range b.pending {
		keys = append(keys, k)
	}
	for k := range b.inFlight {
		if _, ok := b.pending[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	pending, inFlight := b.order.Len(), len(b.inFlight)
	lastErr, lastOK := b.lastErr, b.lastOK
	b.mu.Unlock()

	return Stats{
		Pending:     pending,
		InFlight:    inFlight,
		Enqueued:    b.enqueued.Load(),
		Coalesced:   b.coalesced.Load(),
		Dropped:     b.dropped.Load(),
		Mirrored:    b.mirrored.Load(),
		Failures:    b.failures.Load(),
		LastError:   lastErr,
		LastSuccess: lastOK,
	}
}

// Backfill pushes records straight to the mirrors, bypassing the queue. It is
// used by the reconcile loop and the backfill command.
func (b *Bridge) Backfill(ctx context.Context, records []*domain.PlayerRecord) error {
	if len(records) == 0 || len(b.mirrors) == 0 {
		return nil
	}
	var errs []error
	for _, m := range b.mirrors {
		if err := b.pushMirror(ctx, m, records); err != nil {
			b.failures.Add(1)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	b.mirrored.Add(uint64(len(records)))
	return nil
}
