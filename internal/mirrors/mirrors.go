// Package mirrors connects the secondary stores fed by the replication bridge.
package mirrors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/kafka"
	"github.com/tapgame-core/internal/postgres"
	"github.com/tapgame-core/internal/redis"
	"github.com/tapgame-core/internal/replication"
	"github.com/tapgame-core/internal/service"
	"github.com/tapgame-core/internal/shutdown"
	"github.com/tapgame-core/internal/sqlite"
)

// Set is what the configured mirrors contribute: the replication targets plus
// the query and lifecycle hooks the service and shutdown coordinator use.
type Set struct {
	Mirrors   []replication.Mirror
	Closers   []shutdown.Component
	Directory service.PlayerDirectory
	Ranking   service.PlayerRanking
	Removers  []service.PlayerRemover
	Pingers   []service.Pinger
}

// Close stops every mirror connection, newest first.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.Closers) - 1; i >= 0; i-- {
		if err := s.Closers[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Closers[i].Name, err))
		}
	}
	return errors.Join(errs...)
}

type redisPinger struct {
	client *goredis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Open connects every mirror named in replication.mirrors. redisClient may be
// nil unless the redis mirror is enabled. On error, mirrors opened so far are
// closed.
func Open(ctx context.Context, cfg *config.Config, redisClient *goredis.Client, logger *slog.Logger) (set *Set, err error) {
	set = &Set{}
	defer func() {
		if err != nil {
			_ = set.Close()
			set = nil
		}
	}()

	for _, name := range cfg.Replication.Mirrors {
		switch name {
		case config.MirrorPostgres:
			logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
			repo, err := postgres.NewRepository(&cfg.Postgres, logger)
			if err != nil {
				return set, fmt.Errorf("connecting to postgres: %w", err)
			}
			if err := repo.RunMigrations(ctx); err != nil {
				repo.Close()
				return set, fmt.Errorf("running migrations: %w", err)
			}
			set.Mirrors = append(set.Mirrors, repo)
			set.Directory = repo
			set.Removers = append(set.Removers, repo)
			set.Pingers = append(set.Pingers, repo)
			set.Closers = append(set.Closers, shutdown.Component{
				Name: config.MirrorPostgres,
				Stop: func() error {
					repo.Close()
					return nil
				},
			})

		case config.MirrorSQLite:
			m, err := sqlite.Open(&cfg.SQLite, logger)
			if err != nil {
				return set, fmt.Errorf("opening sqlite mirror: %w", err)
			}
			set.Mirrors = append(set.Mirrors, m)
			if set.Directory == nil {
				set.Directory = m
			}
			set.Removers = append(set.Removers, m)
			set.Pingers = append(set.Pingers, m)
			set.Closers = append(set.Closers, shutdown.Component{Name: config.MirrorSQLite, Stop: m.Close})

		case config.MirrorRedis:
			index := redis.NewPlayerIndex(redisClient, &cfg.Redis, logger)
			set.Mirrors = append(set.Mirrors, index)
			set.Ranking = index
			set.Removers = append(set.Removers, index)
			set.Pingers = append(set.Pingers, index)

		case config.MirrorKafka:
			publisher, err := kafka.NewPublisher(&cfg.Kafka, logger)
			if err != nil {
				return set, fmt.Errorf("creating kafka publisher: %w", err)
			}
			set.Mirrors = append(set.Mirrors, publisher)
			set.Closers = append(set.Closers, shutdown.Component{Name: config.MirrorKafka, Stop: publisher.Close})
		}
	}

	if redisClient != nil && set.Ranking == nil {
		set.Pingers = append(set.Pingers, redisPinger{client: redisClient})
	}

	logger.Info("mirrors configured", "count", len(set.Mirrors))
	return set, nil
}
