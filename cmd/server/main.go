package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tapgame-core/internal/cache"
	"github.com/tapgame-core/internal/config"
	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/filestore"
	"github.com/tapgame-core/internal/handler"
	"github.com/tapgame-core/internal/kafka"
	"github.com/tapgame-core/internal/logging"
	"github.com/tapgame-core/internal/mirrors"
	"github.com/tapgame-core/internal/redis"
	"github.com/tapgame-core/internal/replication"
	"github.com/tapgame-core/internal/service"
	"github.com/tapgame-core/internal/shutdown"
	"github.com/tapgame-core/internal/websocket"
	"github.com/tapgame-core/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger, logCloser, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. Only a missing file falls back to the
// defaults; a file that fails to parse or validate is an error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config file %s not found, using defaults\n", path)
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(&cfg.Shutdown, logger)

	// Initialize Redis, used for the lease locker and the player index
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		client, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		redisClient = client
		logger.Info("connected to Redis")
	}

	var locker filestore.Locker = filestore.NewLocalLocker()
	if cfg.Storage.LockBackend == config.LockBackendRedis {
		locker = redis.NewLeaseLocker(redisClient, &cfg.Redis, logger)
	}

	// Record store and cache
	recordCache := cache.New(cfg.Cache.TTL, logger)
	store, err := filestore.New(&cfg.Storage, recordCache, locker, logger)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	coordinator.Register(shutdown.Component{Name: "store", Stop: store.Close})
	coordinator.SetDirtySource(recordCache)

	// Game configuration
	configs := configsync.New(&cfg.ConfigData, logger)
	report, err := configs.SyncAll(ctx)
	if err != nil {
		logger.Warn("initial config sync incomplete", "error", err)
	}
	logger.Info("game configuration loaded", "variants", len(report.Variants), "skipped_files", report.Skipped())

	// Mirrors
	mirrorSet, err := mirrors.Open(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	for _, comp := range mirrorSet.Closers {
		coordinator.Register(comp)
	}

	bridge := replication.NewBridge(mirrorSet.Mirrors, &cfg.Replication, logger)
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting replication bridge: %w", err)
	}

	store.SetTracker(coordinator)
	store.SetNotifier(bridge)

	// Initialize services
	playerService := service.NewPlayerService(store, recordCache, configs, bridge, coordinator, &cfg.Game, logger)
	if mirrorSet.Directory != nil {
		playerService.SetDirectory(mirrorSet.Directory)
	}
	if mirrorSet.Ranking != nil {
		playerService.SetRanking(mirrorSet.Ranking)
	}
	for _, r := range mirrorSet.Removers {
		playerService.AddRemover(r)
	}
	for _, p := range mirrorSet.Pingers {
		playerService.AddPinger(p)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	playerService.SetBroadcaster(wsHub)
	wsHub.SetSnapshotSource(playerService)
	logger.Info("WebSocket hub initialized")

	// Initialize Kafka consumer for offline patch ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.IngestEnabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.IngestTopic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, playerService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Initialize sync worker
	syncWorker := worker.NewSyncWorker(playerService, store, bridge, recordCache, &cfg.Sync, logger)
	if cfg.Sync.Enabled {
		if err := syncWorker.Start(ctx); err != nil {
			return fmt.Errorf("starting sync worker: %w", err)
		}
	} else {
		go recordCache.RunJanitor(ctx, cfg.Cache.JanitorInterval)
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(playerService, wsHub, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Components drain in registration order and stop in reverse: the HTTP
	// server and consumer stop first, mirrors close after the bridge.
	coordinator.Register(shutdown.Component{
		Name: "bridge",
		Drain: func(ctx context.Context) ([]string, error) {
			return bridge.Flush(ctx)
		},
		Stop: bridge.Stop,
	})
	coordinator.Register(shutdown.Component{Name: "sync_worker", Stop: syncWorker.Stop})
	coordinator.Register(shutdown.Component{
		Name: "websocket",
		Stop: func() error {
			wsHub.Stop()
			return nil
		},
	})
	if kafkaConsumer != nil {
		coordinator.Register(shutdown.Component{Name: "kafka_consumer", Stop: kafkaConsumer.Stop})
	}
	coordinator.Register(shutdown.Component{
		Name: "http",
		Stop: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
			defer cancel()
			return server.Shutdown(ctx)
		},
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			cancel()
		}
	}()

	health := playerService.HealthCheck(ctx)
	logger.Info("player core ready",
		"records", health.RecordCount,
		"config_counts", health.ConfigCounts,
		"mirrors", bridge.Mirrors(),
		"lock_backend", cfg.Storage.LockBackend,
	)

	// Wait for a shutdown signal, then drain
	shutdownReport := coordinator.Watch(ctx)
	if !shutdownReport.Clean() {
		logger.Warn("shutdown was not clean",
			"in_flight_keys", shutdownReport.InFlightKeys,
			"dirty_keys", shutdownReport.DirtyKeys,
			"undrained", shutdownReport.Undrained,
			"errors", shutdownReport.Errors,
		)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}

	logger.Info("server stopped")
	return nil
}
