package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

// upsertSummaryScript writes the summary hash and points score only when the
// incoming (updated_at, version) is newer than what is stored.
//
// KEYS[1] points sorted set, KEYS[2] summary hash
// ARGV[1] member, ARGV[2] updated_at_us, ARGV[3] version, ARGV[4] points,
// ARGV[5..] hash field/value pairs
var upsertSummaryScript = redis.NewScript(`
local cur_u = tonumber(redis.call('HGET', KEYS[2], 'updated_at_us') or '-1')
local cur_v = tonumber(redis.call('HGET', KEYS[2], 'version') or '-1')
local u = tonumber(ARGV[2])
local v = tonumber(ARGV[3])
if cur_u > u or (cur_u == u and cur_v >= v) then
	return 0
end
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// PlayerIndex mirrors player summaries into Redis for ranking queries
type PlayerIndex struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewPlayerIndex creates a player index on an existing client
func NewPlayerIndex(client *redis.Client, cfg *config.RedisConfig, logger *slog.Logger) *PlayerIndex {
	return &PlayerIndex{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger,
	}
}

// Name identifies the mirror in logs and stats
func (p *PlayerIndex) Name() string { return config.MirrorRedis }

// Ping checks the connection
func (p *PlayerIndex) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// pointsKey returns the Redis key for the points sorted set
func (p *PlayerIndex) pointsKey() string {
	return fmt.Sprintf("%s:players:points", p.prefix)
}

// summaryKey returns the Redis key for a player's summary hash
func (p *PlayerIndex) summaryKey(playerKey string) string {
	return fmt.Sprintf("%s:player:%s:summary", p.prefix, playerKey)
}

// UpsertPlayers mirrors a batch of records using pipelining
func (p *PlayerIndex) UpsertPlayers(ctx context.Context, records []*domain.PlayerRecord) error {
	if len(records) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, rec := range records {
		s := rec.Summary()
		keys := []string{p.pointsKey(), p.summaryKey(s.PlayerKey)}
		args := []interface{}{
			s.PlayerKey,
			s.UpdatedAt.UnixMicro(),
			s.Version,
			s.Points,
			"owner_id", s.OwnerID,
			"username", s.Username,
			"points", s.Points,
			"gems", s.Gems,
			"experience", s.Experience,
			"level", s.Level,
			"upgrade_count", s.UpgradeCount,
			"character_count", s.CharacterCount,
			"last_login_us", s.LastLogin.UnixMicro(),
			"version", s.Version,
			"updated_at_us", s.UpdatedAt.UnixMicro(),
		}
		upsertSummaryScript.Eval(ctx, pipe, keys, args...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch upserting summaries: %w", err)
	}
	return nil
}

// TopPlayers returns the players with the most points (descending order)
func (p *PlayerIndex) TopPlayers(ctx context.Context, n int) ([]domain.PlayerSummary, error) {
	results, err := p.client.ZRevRangeWithScores(ctx, p.pointsKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top players: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	pipe := p.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(results))
	for i, result := range results {
		cmds[i] = pipe.HGetAll(ctx, p.summaryKey(result.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("getting player summaries: %w", err)
	}

	players := make([]domain.PlayerSummary, 0, len(results))
	for i, result := range results {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		s := parseSummary(fields)
		s.PlayerKey = result.Member.(string)
		players = append(players, s)
	}
	return players, nil
}

// GetPlayer returns one mirrored summary
func (p *PlayerIndex) GetPlayer(ctx context.Context, playerKey string) (*domain.PlayerSummary, error) {
	fields, err := p.client.HGetAll(ctx, p.summaryKey(playerKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting player summary: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
	}
	s := parseSummary(fields)
	s.PlayerKey = playerKey
	return &s, nil
}

// GetPlayerRank returns a player's 1-indexed rank by points
func (p *PlayerIndex) GetPlayerRank(ctx context.Context, playerKey string) (int64, error) {
	rank, err := p.client.ZRevRank(ctx, p.pointsKey(), playerKey).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
		}
		return 0, fmt.Errorf("getting player rank: %w", err)
	}
	return rank + 1, nil
}

// CountPlayers returns the number of indexed players
func (p *PlayerIndex) CountPlayers(ctx context.Context) (int64, error) {
	count, err := p.client.ZCard(ctx, p.pointsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// DeletePlayer removes an archived player from the index
func (p *PlayerIndex) DeletePlayer(ctx context.Context, playerKey string) error {
	pipe := p.client.Pipeline()
	pipe.ZRem(ctx, p.pointsKey(), playerKey)
	pipe.Del(ctx, p.summaryKey(playerKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing player: %w", err)
	}
	return nil
}

func parseSummary(fields map[string]string) domain.PlayerSummary {
	atoi64 := func(k string) int64 {
		v, _ := strconv.ParseInt(fields[k], 10, 64)
		return v
	}
	return domain.PlayerSummary{
		OwnerID:        fields["owner_id"],
		Username:       fields["username"],
		Points:         atoi64("points"),
		Gems:           atoi64("gems"),
		Experience:     atoi64("experience"),
		Level:          int(atoi64("level")),
		UpgradeCount:   int(atoi64("upgrade_count")),
		CharacterCount: int(atoi64("character_count")),
		LastLogin:      time.UnixMicro(atoi64("last_login_us")).UTC(),
		Version:        atoi64("version"),
		UpdatedAt:      time.UnixMicro(atoi64("updated_at_us")).UTC(),
	}
}
