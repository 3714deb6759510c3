package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/filestore"
)

// PlayerDirectory answers cross-player queries. Implementations backed by a
// mirror are eventually consistent with the record store.
type PlayerDirectory interface {
	ListPlayers(ctx context.Context, limit, offset int) ([]domain.PlayerSummary, error)
	CountPlayers(ctx context.Context) (int64, error)
	TopPlayers(ctx context.Context, limit int) ([]domain.PlayerSummary, error)
	Aggregates(ctx context.Context) (domain.PlayerAggregates, error)
}

// PlayerRanking serves points rankings.
type PlayerRanking interface {
	TopPlayers(ctx context.Context, limit int) ([]domain.PlayerSummary, error)
	GetPlayerRank(ctx context.Context, playerKey string) (int64, error)
}

// PlayerRemover drops an archived player from a mirror.
type PlayerRemover interface {
	DeletePlayer(ctx context.Context, playerKey string) error
}

// Pinger is a dependency checked by HealthCheck.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// SetDirectory replaces the store scan with a mirror for admin listings.
func (s *PlayerService) SetDirectory(d PlayerDirectory) { s.directory = d }

// SetRanking installs a dedicated ranking index for TopPlayers.
func (s *PlayerService) SetRanking(r PlayerRanking) { s.ranking = r }

// AddRemover registers a mirror to clean up on archive.
func (s *PlayerService) AddRemover(r PlayerRemover) { s.removers = append(s.removers, r) }

// AddPinger registers a dependency for health checks.
func (s *PlayerService) AddPinger(p Pinger) { s.pingers = append(s.pingers, p) }

// ListPlayers returns player summaries ordered by key.
func (s *PlayerService) ListPlayers(ctx context.Context, limit, offset int) ([]domain.PlayerSummary, error) {
	limit, offset = clampPage(limit, offset)
	return s.directory.ListPlayers(ctx, limit, offset)
}

// CountPlayers returns the number of known players.
func (s *PlayerService) CountPlayers(ctx context.Context) (int64, error) {
	return s.directory.CountPlayers(ctx)
}

// TopPlayers returns the players with the most points.
func (s *PlayerService) TopPlayers(ctx context.Context, limit int) ([]domain.PlayerSummary, error) {
	limit, _ = clampPage(limit, 0)
	if s.ranking != nil {
		return s.ranking.TopPlayers(ctx, limit)
	}
	return s.directory.TopPlayers(ctx, limit)
}

// PlayerRank returns the 1-indexed points rank of a player.
func (s *PlayerService) PlayerRank(ctx context.Context, key domain.PlayerKey) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if s.ranking != nil {
		return s.ranking.GetPlayerRank(ctx, key.String())
	}
	return (&storeDirectory{store: s.store}).rank(ctx, key.String())
}

// PlayerStats returns totals over all known players.
func (s *PlayerService) PlayerStats(ctx context.Context) (domain.PlayerAggregates, error) {
	return s.directory.Aggregates(ctx)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// storeDirectory scans the record store. It is used when no relational mirror
// is configured and is only suitable for small deployments.
type storeDirectory struct {
	store *filestore.Store
}

func (d *storeDirectory) summaries(ctx context.Context) ([]domain.PlayerSummary, error) {
	keys, err := d.store.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PlayerSummary, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := d.store.Read(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrCorruptRecord) {
				continue
			}
			return nil, err
		}
		out = append(out, rec.Summary())
	}
	return out, nil
}

func (d *storeDirectory) ListPlayers(ctx context.Context, limit, offset int) ([]domain.PlayerSummary, error) {
	all, err := d.summaries(ctx)
	if err != nil {
		return nil, err
	}
	return page(all, limit, offset), nil
}

func (d *storeDirectory) CountPlayers(context.Context) (int64, error) {
	n, err := d.store.Count()
	return int64(n), err
}

func (d *storeDirectory) TopPlayers(ctx context.Context, limit int) ([]domain.PlayerSummary, error) {
	all, err := d.summaries(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Points > all[j].Points })
	return page(all, limit, 0), nil
}

func (d *storeDirectory) Aggregates(ctx context.Context) (domain.PlayerAggregates, error) {
	all, err := d.summaries(ctx)
	if err != nil {
		return domain.PlayerAggregates{}, err
	}
	var agg domain.PlayerAggregates
	var levels int64
	for _, s := range all {
		agg.Players++
		agg.TotalPoints += s.Points
		agg.TotalGems += s.Gems
		levels += int64(s.Level)
	}
	if agg.Players > 0 {
		agg.AverageLevel = float64(levels) / float64(agg.Players)
	}
	return agg, nil
}

func (d *storeDirectory) rank(ctx context.Context, playerKey string) (int64, error) {
	all, err := d.TopPlayers(ctx, math.MaxInt)
	if err != nil {
		return 0, err
	}
	for i, s := range all {
		if s.PlayerKey == playerKey {
			return int64(i + 1), nil
		}
	}
	return 0, fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
}

func page(all []domain.PlayerSummary, limit, offset int) []domain.PlayerSummary {
	if offset >= len(all) {
		return nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end]
}
