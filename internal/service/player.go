package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tapgame-core/internal/cache"
	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/filestore"
	"github.com/tapgame-core/internal/replication"
	"github.com/tapgame-core/internal/shutdown"
)

// Broadcaster pushes committed player state and config changes to connected
// clients
type Broadcaster interface {
	BroadcastPlayerUpdate(key string, rec *domain.PlayerRecord)
	BroadcastConfigUpdate(v domain.Variant, generation uint64, count int)
}

// PlayerService provides the player-facing operations over the record store
// and the game configuration.
type PlayerService struct {
	store       *filestore.Store
	cache       *cache.RecordCache
	configs     *configsync.Synchronizer
	bridge      *replication.Bridge
	coordinator *shutdown.Coordinator
	config      *config.GameConfig
	logger      *slog.Logger
	now         func() time.Time

	directory   PlayerDirectory
	ranking     PlayerRanking
	removers    []PlayerRemover
	pingers     []Pinger
	broadcaster Broadcaster
}

// NewPlayerService creates a new player service
func NewPlayerService(
	store *filestore.Store,
	recordCache *cache.RecordCache,
	configs *configsync.Synchronizer,
	bridge *replication.Bridge,
	coordinator *shutdown.Coordinator,
	cfg *config.GameConfig,
	logger *slog.Logger,
) *PlayerService {
	s := &PlayerService{
		store:       store,
		cache:       recordCache,
		configs:     configs,
		bridge:      bridge,
		coordinator: coordinator,
		config:      cfg,
		logger:      logger,
		now:         time.Now,
	}
	s.directory = &storeDirectory{store: store}
	return s
}

// SetBroadcaster installs the push channel for committed updates.
func (s *PlayerService) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

func (s *PlayerService) defaults() domain.PlayerDefaults {
	return domain.PlayerDefaults{
		Points:          s.config.StartingPoints,
		Energy:          s.config.StartingEnergy,
		MaxEnergy:       s.config.MaxEnergy,
		EnergyRegenRate: s.config.EnergyRegenRate,
	}
}

// GetPlayerState returns the player's record. A missing record is created
// with starting values; a corrupt one is restored from its newest backup.
func (s *PlayerService) GetPlayerState(ctx context.Context, key domain.PlayerKey) (*domain.PlayerRecord, error) {
	rec, err := s.store.Read(ctx, key)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, domain.ErrNotFound):
		return s.createDefault(ctx, key)
	case errors.Is(err, domain.ErrCorruptRecord):
		return s.restore(ctx, key, err)
	default:
		return nil, err
	}
}

// PeekPlayerState returns the committed record without creating or restoring
// one. A missing player is ErrNotFound.
func (s *PlayerService) PeekPlayerState(ctx context.Context, key domain.PlayerKey) (*domain.PlayerRecord, error) {
	return s.store.Read(ctx, key)
}

func (s *PlayerService) createDefault(ctx context.Context, key domain.PlayerKey) (*domain.PlayerRecord, error) {
	rec, err := s.store.Create(ctx, key, domain.NewPlayerRecord(key, s.defaults(), s.now()))
	if err != nil && errors.Is(err, domain.ErrLockTimeout) {
		rec, err = s.store.Create(ctx, key, domain.NewPlayerRecord(key, s.defaults(), s.now()))
	}
	if err != nil {
		return nil, fmt.Errorf("creating player: %w", err)
	}
	return rec, nil
}

func (s *PlayerService) restore(ctx context.Context, key domain.PlayerKey, cause error) (*domain.PlayerRecord, error) {
	s.logger.Error("corrupt player record, restoring from backup",
		"player_key", key.String(),
		"error", cause,
	)
	rec, backup, err := s.store.RestoreFromBackup(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNoBackup) {
			return nil, fmt.Errorf("%w: %w", domain.ErrCorruptRecord, err)
		}
		return nil, fmt.Errorf("restoring player: %w", err)
	}
	s.logger.Warn("player served from backup",
		"player_key", key.String(),
		"backup", backup.Path,
		"backup_created_at", backup.CreatedAt,
		"version", rec.Version,
	)
	return rec, nil
}

// UpdatePlayerState merges patch onto the player's record.
func (s *PlayerService) UpdatePlayerState(ctx context.Context, key domain.PlayerKey, patch domain.PlayerPatch) (*domain.PlayerRecord, error) {
	if patch.IsEmpty() {
		return nil, fmt.Errorf("%w: empty patch", domain.ErrInvalidPatch)
	}
	return s.write(ctx, key, patch.Apply)
}

// PurchaseUpgrade spends cost points to raise an upgrade to targetLevel.
// Funds are checked first, under the record lock, so of two concurrent
// purchases that together overspend exactly one succeeds.
func (s *PlayerService) PurchaseUpgrade(ctx context.Context, key domain.PlayerKey, upgradeID string, targetLevel int, cost int64) (*domain.PlayerRecord, error) {
	upgrade, ok := s.configs.Upgrade(upgradeID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownUpgrade, upgradeID)
	}
	if cost < 0 {
		return nil, fmt.Errorf("%w: negative cost %d", domain.ErrInvalidPatch, cost)
	}

	rec, err := s.write(ctx, key, func(rec *domain.PlayerRecord) error {
		if rec.Points < cost {
			return fmt.Errorf("%w: %s needs %d points, has %d", domain.ErrInsufficientFunds, upgradeID, cost, rec.Points)
		}
		current := rec.Upgrades[upgradeID]
		if targetLevel <= current || targetLevel > upgrade.MaxLevel {
			return fmt.Errorf("%w: %s level %d (current %d, max %d)",
				domain.ErrInvalidLevel, upgradeID, targetLevel, current, upgrade.MaxLevel)
		}
		if rec.Upgrades == nil {
			rec.Upgrades = make(map[string]int)
		}
		rec.Points -= cost
		rec.Upgrades[upgradeID] = targetLevel
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("upgrade purchased",
		"player_key", key.String(),
		"upgrade_id", upgradeID,
		"level", targetLevel,
		"cost", cost,
	)
	return rec, nil
}

// RecordLogin regenerates energy, stamps the login time and advances the
// daily and weekly reset markers past any boundary that has gone by.
func (s *PlayerService) RecordLogin(ctx context.Context, key domain.PlayerKey) (*domain.PlayerRecord, error) {
	return s.write(ctx, key, func(rec *domain.PlayerRecord) error {
		now := s.now().UTC()
		rec.RegenerateEnergy(now)
		rec.LastLogin = now
		if boundary := dailyBoundary(now, s.config.DailyResetHour); rec.LastDailyReset.Before(boundary) {
			rec.LastDailyReset = boundary
		}
		if boundary := weeklyBoundary(now, s.config.DailyResetHour); rec.LastWeeklyReset.Before(boundary) {
			rec.LastWeeklyReset = boundary
		}
		return nil
	})
}

// dailyBoundary returns the most recent reset instant at or before now.
func dailyBoundary(now time.Time, hour int) time.Time {
	b := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if b.After(now) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// weeklyBoundary is the daily boundary on the most recent Monday.
func weeklyBoundary(now time.Time, hour int) time.Time {
	b := dailyBoundary(now, hour)
	offset := (int(b.Weekday()) + 6) % 7
	return b.AddDate(0, 0, -offset)
}

// write runs mutate through the store. A lock timeout is retried once, a
// missing record is created first, and a corrupt record is restored first.
func (s *PlayerService) write(ctx context.Context, key domain.PlayerKey, mutate filestore.MutatorFunc) (*domain.PlayerRecord, error) {
	var retried, created, restored bool
	for {
		rec, err := s.store.Write(ctx, key, mutate)
		switch {
		case err == nil:
			s.broadcast(key, rec)
			return rec, nil

		case errors.Is(err, domain.ErrLockTimeout) && !retried:
			retried = true
			s.logger.Warn("lock timeout, retrying write", "player_key", key.String())

		case errors.Is(err, domain.ErrNotFound) && !created:
			created = true
			if _, err := s.createDefault(ctx, key); err != nil {
				return nil, err
			}

		case errors.Is(err, domain.ErrCorruptRecord) && !restored:
			restored = true
			if _, err := s.restore(ctx, key, err); err != nil {
				return nil, err
			}

		default:
			return nil, err
		}
	}
}

func (s *PlayerService) broadcast(key domain.PlayerKey, rec *domain.PlayerRecord) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastPlayerUpdate(key.String(), rec)
	}
}

// ArchivePlayer moves the player out of the live store and removes them from
// the query mirrors. Queued replication for the player is dropped first so
// the removal sticks.
func (s *PlayerService) ArchivePlayer(ctx context.Context, key domain.PlayerKey) (string, error) {
	path, err := s.store.Archive(ctx, key)
	if err != nil {
		return "", err
	}
	if err := s.bridge.Forget(ctx, key.String()); err != nil {
		s.logger.Warn("archived player still in flight to mirrors",
			"player_key", key.String(),
			"error", err,
		)
	}
	for _, r := range s.removers {
		if err := r.DeletePlayer(ctx, key.String()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("failed to remove archived player from mirror",
				"player_key", key.String(),
				"error", err,
			)
		}
	}
	return path, nil
}
