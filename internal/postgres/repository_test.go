package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
)

// newTestRepository connects using POSTGRES_HOST and friends; the test is
// skipped when no database is configured.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skip("POSTGRES_HOST not set")
	}
	cfg := config.DefaultConfig().Postgres
	cfg.Host = host
	cfg.User = os.Getenv("POSTGRES_USER")
	cfg.Password = os.Getenv("POSTGRES_PASSWORD")
	cfg.Database = os.Getenv("POSTGRES_DB")
	if port, err := strconv.Atoi(os.Getenv("POSTGRES_PORT")); err == nil {
		cfg.Port = port
	}

	repo, err := NewRepository(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.RunMigrations(context.Background()))
	return repo
}

func TestRepository_UpsertIsLastWriteWins(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	owner := "pg" + uuid.NewString()[:8]
	base := domain.NewPlayerRecord(domain.PlayerKey{OwnerID: owner}, domain.DefaultPlayerDefaults(), time.Now())
	t.Cleanup(func() { _ = repo.DeletePlayer(context.Background(), owner) })

	newer := base.Clone()
	newer.Points = 50
	newer.Version = 2
	newer.UpdatedAt = base.UpdatedAt.Add(time.Second)

	require.NoError(t, repo.UpsertPlayers(ctx, []*domain.PlayerRecord{newer}))
	require.NoError(t, repo.UpsertPlayers(ctx, []*domain.PlayerRecord{base}))

	got, err := repo.GetPlayer(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Points)
	assert.Equal(t, int64(2), got.Version)

	count, err := repo.CountPlayers(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))

	agg, err := repo.Aggregates(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, agg.TotalPoints, int64(50))
}

func TestRepository_DeleteMissingPlayer(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.DeletePlayer(context.Background(), "missing-"+uuid.NewString())
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.GetPlayer(context.Background(), "missing-"+uuid.NewString())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
