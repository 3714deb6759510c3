// Package sqlite is an embedded relational mirror of player records for
// single-node deployments and development.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Mirror keeps a queryable copy of player summaries in a SQLite file.
type Mirror struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the mirror database and applies the schema.
func Open(cfg *config.SQLiteConfig, logger *slog.Logger) (*Mirror, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite mirror: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite mirror: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}

	logger.Info("sqlite mirror opened", "path", cfg.Path)
	return &Mirror{db: db, logger: logger}, nil
}

// Close closes the database.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// Name identifies the mirror in logs and stats.
func (m *Mirror) Name() string { return config.MirrorSQLite }

// Ping checks the database.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

const upsertPlayer = `
INSERT INTO player_records (player_key, owner_id, username, points, gems, experience, level,
    upgrade_count, character_count, last_login_us, version, updated_at_us, document)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (player_key) DO UPDATE SET
    owner_id = excluded.owner_id,
    username = excluded.username,
    points = excluded.points,
    gems = excluded.gems,
    experience = excluded.experience,
    level = excluded.level,
    upgrade_count = excluded.upgrade_count,
    character_count = excluded.character_count,
    last_login_us = excluded.last_login_us,
    version = excluded.version,
    updated_at_us = excluded.updated_at_us,
    document = excluded.document
WHERE (player_records.updated_at_us, player_records.version) < (excluded.updated_at_us, excluded.version)
`

// UpsertPlayers mirrors a batch in one transaction; last write wins per row.
func (m *Mirror) UpsertPlayers(ctx context.Context, records []*domain.PlayerRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertPlayer)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		document, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		s := rec.Summary()
		if _, err := stmt.ExecContext(ctx,
			s.PlayerKey,
			s.OwnerID,
			s.Username,
			s.Points,
			s.Gems,
			s.Experience,
			s.Level,
			s.UpgradeCount,
			s.CharacterCount,
			s.LastLogin.UnixMicro(),
			s.Version,
			s.UpdatedAt.UnixMicro(),
			string(document),
		); err != nil {
			return fmt.Errorf("upserting %s: %w", s.PlayerKey, err)
		}
	}
	return tx.Commit()
}

const summaryColumns = `player_key, owner_id, username, points, gems, experience, level,
    upgrade_count, character_count, last_login_us, version, updated_at_us`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (domain.PlayerSummary, error) {
	var s domain.PlayerSummary
	var lastLogin, updatedAt int64
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
		&lastLogin,
		&s.Version,
		&updatedAt,
	)
	s.LastLogin = time.UnixMicro(lastLogin).UTC()
	s.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return s, err
}

// GetPlayer returns one mirrored summary.
func (m *Mirror) GetPlayer(ctx context.Context, playerKey string) (*domain.PlayerSummary, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM player_records WHERE player_key = ?`, playerKey)
	s, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	return &s, nil
}

// GetRecord returns the full mirrored document.
func (m *Mirror) GetRecord(ctx context.Context, playerKey string) (*domain.PlayerRecord, error) {
	var document string
	err := m.db.QueryRowContext(ctx, `SELECT document FROM player_records WHERE player_key = ?`, playerKey).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
		}
		return nil, fmt.Errorf("getting record: %w", err)
	}
	var rec domain.PlayerRecord
	if err := json.Unmarshal([]byte(document), &rec); err != nil {
		return nil, fmt.Errorf("%w: mirrored document for %s: %v", domain.ErrCorruptRecord, playerKey, err)
	}
	rec.Normalize()
	return &rec, nil
}

// ListPlayers returns mirrored players ordered by key.
func (m *Mirror) ListPlayers(ctx context.Context, limit, offset int) ([]domain.PlayerSummary, error) {
	return m.query(ctx, `SELECT `+summaryColumns+` FROM player_records ORDER BY player_key LIMIT ? OFFSET ?`, limit, offset)
}

// TopPlayers returns the players with the most points.
func (m *Mirror) TopPlayers(ctx context.Context, limit int) ([]domain.PlayerSummary, error) {
	return m.query(ctx, `SELECT `+summaryColumns+` FROM player_records ORDER BY points DESC, player_key LIMIT ?`, limit)
}

func (m *Mirror) query(ctx context.Context, query string, args ...any) ([]domain.PlayerSummary, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
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

// CountPlayers returns the number of mirrored players.
func (m *Mirror) CountPlayers(ctx context.Context) (int64, error) {
	var count int64
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM player_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting players: %w", err)
	}
	return count, nil
}

// Aggregates returns totals over all mirrored players.
func (m *Mirror) Aggregates(ctx context.Context) (domain.PlayerAggregates, error) {
	var agg domain.PlayerAggregates
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(points), 0), COALESCE(SUM(gems), 0), COALESCE(AVG(level), 0.0)
		FROM player_records`,
	).Scan(&agg.Players, &agg.TotalPoints, &agg.TotalGems, &agg.AverageLevel)
	if err != nil {
		return domain.PlayerAggregates{}, fmt.Errorf("aggregating players: %w", err)
	}
	return agg, nil
}

// DeletePlayer removes an archived player's row.
func (m *Mirror) DeletePlayer(ctx context.Context, playerKey string) error {
	res, err := m.db.ExecContext(ctx, `DELETE FROM player_records WHERE player_key = ?`, playerKey)
	if err != nil {
		return fmt.Errorf("removing player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: player %s", domain.ErrNotFound, playerKey)
	}
	return nil
}
