package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

// Repository mirrors player records into PostgreSQL for cross-player queries.
// Rows are eventually consistent with the record store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Name identifies the mirror in logs and stats
func (r *Repository) Name() string { return config.MirrorPostgres }

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS player_records (
			player_key VARCHAR(255) PRIMARY KEY,
			owner_id VARCHAR(128) NOT NULL,
			username VARCHAR(128) NOT NULL DEFAULT '',
			points BIGINT NOT NULL DEFAULT 0,
			gems BIGINT NOT NULL DEFAULT 0,
			experience BIGINT NOT NULL DEFAULT 0,
			level INT NOT NULL DEFAULT 0,
			upgrade_count INT NOT NULL DEFAULT 0,
			character_count INT NOT NULL DEFAULT 0,
			last_login TIMESTAMPTZ,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			document JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_player_records_owner ON player_records(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_player_records_points ON player_records(points DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// upsertPlayerQuery only replaces a row with a newer (updated_at, version),
// so replays and out-of-order batches are harmless.
const upsertPlayerQuery = `
	INSERT INTO player_records (player_key, owner_id, username, points, gems, experience, level,
		upgrade_count, character_count, last_login, version, updated_at, document)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (player_key)
	DO UPDATE SET
		owner_id = EXCLUDED.owner_id,
		username = EXCLUDED.username,
		points = EXCLUDED.points,
		gems = EXCLUDED.gems,
		experience = EXCLUDED.experience,
		level = EXCLUDED.level,
		upgrade_count = EXCLUDED.upgrade_count,
		character_count = EXCLUDED.character_count,
		last_login = EXCLUDED.last_login,
		version = EXCLUDED.version,
		updated_at = EXCLUDED.updated_at,
		document = EXCLUDED.document
	WHERE (player_records.updated_at, player_records.version) < (EXCLUDED.updated_at, EXCLUDED.version)
`

// UpsertPlayers mirrors a batch of records, last write wins
func (r *Repository) UpsertPlayers(ctx context.Context, records []*domain.PlayerRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		document, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		s := rec.Summary()
		batch.Queue(upsertPlayerQuery,
			s.PlayerKey,
			s.OwnerID,
			s.Username,
			s.Points,
			s.Gems,
			s.Experience,
			s.Level,
			s.UpgradeCount,
			s.CharacterCount,
			s.LastLogin,
			s.Version,
			s.UpdatedAt,
			document,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		_, err := br.Exec()
		if err != nil {
			return fmt.Errorf("batch upserting players: %w", err)
		}
	}
	return nil
}

const summaryColumns = `player_key, owner_id, username, points, gems, experience, level,
	upgrade_count, character_count, COALESCE(last_login, 'epoch'::timestamptz), version, updated_at`

func scanSummary(row pgx.Row) (domain.PlayerSummary, error) {
	var s domain.PlayerSummary
	err := row.Scan(
		&s.PlayerKey,
		&s.OwnerID,
		&s.Username,
		&s.Points,
		&s.Gems,
		&s.Experience,
		&s.Level,
		&s.UpgradeCount,
		&s.CharacterCount,
		&s.LastLogin,
		&s.Version,
		&s.UpdatedAt,
	)
	return s, err
}

// GetPlayer retrieves one mirrored player summary
func (r *Repository) GetPlayer(ctx context.Context, playerKey string) (*domain.PlayerSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM player_records WHERE player_key = $1`
	s, err := scanSummary(r.pool.QueryRow(ctx, query, playerKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	return &s, nil
}

// ListPlayers retrieves mirrored players ordered by key, with pagination
func (r *Repository) ListPlayers(ctx context.Context, limit, offset int) ([]domain.PlayerSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM player_records ORDER BY player_key LIMIT $1 OFFSET $2`
	return r.querySummaries(ctx, query, limit, offset)
}

// TopPlayers retrieves the players with the most points
func (r *Repository) TopPlayers(ctx context.Context, limit int) ([]domain.PlayerSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM player_records ORDER BY points DESC, player_key LIMIT $1`
	return r.querySummaries(ctx, query, limit)
}

func (r *Repository) querySummaries(ctx context.Context, query string, args ...any) ([]domain.PlayerSummary, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	defer rows.Close()

	var players []domain.PlayerSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, s)
	}
	return players, rows.Err()
}

// CountPlayers returns the number of mirrored players
func (r *Repository) CountPlayers(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM player_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting players: %w", err)
	}
	return count, nil
}

// Aggregates returns dashboard totals over all mirrored players
func (r *Repository) Aggregates(ctx context.Context) (domain.PlayerAggregates, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(points), 0)::bigint, COALESCE(SUM(gems), 0)::bigint, COALESCE(AVG(level), 0)::float8
		FROM player_records
	`
	var agg domain.PlayerAggregates
	err := r.pool.QueryRow(ctx, query).Scan(&agg.Players, &agg.TotalPoints, &agg.TotalGems, &agg.AverageLevel)
	if err != nil {
		return domain.PlayerAggregates{}, fmt.Errorf("aggregating players: %w", err)
	}
	return agg, nil
}

// DeletePlayer removes an archived player's row
func (r *Repository) DeletePlayer(ctx context.Context, playerKey string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM player_records WHERE player_key = $1`, playerKey)
	if err != nil {
		return fmt.Errorf("removing player: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
	}
	return nil
}
