package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tapgame-core/internal/cache"
	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/filestore"
	"github.com/tapgame-core/internal/redis"
)

// env is what a command needs to work on the store.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	out    *OutputFormatter
	redis  *goredis.Client
	store  *filestore.Store
}

func newEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "loading config", err)
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	// Logs go to stderr so JSON output stays parseable.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	return &env{
		cfg:    cfg,
		logger: logger,
		out:    &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}, nil
}

// openStore opens the record store with the configured lock backend.
func (e *env) openStore() error {
	var locker filestore.Locker = filestore.NewLocalLocker()
	if e.cfg.Storage.LockBackend == config.LockBackendRedis {
		if err := e.connectRedis(); err != nil {
			return err
		}
		locker = redis.NewLeaseLocker(e.redis, &e.cfg.Redis, e.logger)
	}

	store, err := filestore.New(&e.cfg.Storage, cache.New(e.cfg.Cache.TTL, e.logger), locker, e.logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening record store", err)
	}
	e.store = store
	return nil
}

func (e *env) connectRedis() error {
	if e.redis != nil || !e.cfg.Redis.Enabled {
		return nil
	}
	client, err := redis.NewClient(&e.cfg.Redis)
	if err != nil {
		return WrapExitError(ExitCommandError, "connecting to redis", err)
	}
	e.redis = client
	return nil
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

// parseKey accepts a record directory name such as "u1" or "u1_Ada".
func parseKey(arg string) (domain.PlayerKey, error) {
	key, err := domain.ParsePlayerKey(arg)
	if err != nil {
		return domain.PlayerKey{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid player key %q", arg), err)
	}
	return key, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
