package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	ConfigData  ConfigDataConfig  `yaml:"config_data"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Replication ReplicationConfig `yaml:"replication"`
	Sync        SyncConfig        `yaml:"sync"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Logging     LoggingConfig     `yaml:"logging"`
	Game        GameConfig        `yaml:"game"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Lock backends
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// StorageConfig holds the authoritative player record store configuration
type StorageConfig struct {
	PlayerDir       string        `yaml:"player_dir"`
	LockBackend     string        `yaml:"lock_backend"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	BackupRetention int           `yaml:"backup_retention"`
}

// ConfigDataConfig points at the game configuration entity tree
type ConfigDataConfig struct {
	Dir string `yaml:"dir"`
}

// CacheConfig holds record cache configuration
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// SQLiteConfig holds the embedded relational mirror configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	IngestEnabled bool          `yaml:"ingest_enabled"`
	IngestTopic   string        `yaml:"ingest_topic"`
	StateTopic    string        `yaml:"state_topic"`
	GroupID       string        `yaml:"group_id"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// Mirror names accepted in ReplicationConfig.Mirrors
const (
	MirrorPostgres = "postgres"
	MirrorSQLite   = "sqlite"
	MirrorRedis    = "redis"
	MirrorKafka    = "kafka"
)

// ReplicationConfig holds the relational mirror bridge configuration
type ReplicationConfig struct {
	Mirrors       []string      `yaml:"mirrors"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	MaxPending    int           `yaml:"max_pending"`
	MirrorTimeout time.Duration `yaml:"mirror_timeout"`
}

// SyncConfig holds background synchronization worker configuration
type SyncConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	ConfigInterval    time.Duration `yaml:"config_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	BatchSize         int           `yaml:"batch_size"`
}

// ShutdownConfig holds drain configuration
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// LoggingConfig holds log output configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// GameConfig holds starting values for new players
type GameConfig struct {
	StartingPoints  int64   `yaml:"starting_points"`
	StartingEnergy  int64   `yaml:"starting_energy"`
	MaxEnergy       int64   `yaml:"max_energy"`
	EnergyRegenRate float64 `yaml:"energy_regen_rate"`
	DailyResetHour  int     `yaml:"daily_reset_hour"`
}

// Load reads configuration from a YAML file. A .env file next to the working
// directory is loaded first so ${VARS} in the YAML can refer to it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	switch c.Storage.LockBackend {
	case LockBackendLocal:
	case LockBackendRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("storage.lock_backend is %q but redis is disabled", c.Storage.LockBackend)
		}
	default:
		return fmt.Errorf("unknown storage.lock_backend %q", c.Storage.LockBackend)
	}
	if c.Storage.LockTTL < c.Storage.LockTimeout {
		return fmt.Errorf("storage.lock_ttl (%s) must be at least storage.lock_timeout (%s)", c.Storage.LockTTL, c.Storage.LockTimeout)
	}
	for _, m := range c.Replication.Mirrors {
		switch m {
		case MirrorPostgres, MirrorSQLite, MirrorKafka:
		case MirrorRedis:
			if !c.Redis.Enabled {
				return fmt.Errorf("replication mirror %q requires redis.enabled", m)
			}
		default:
			return fmt.Errorf("unknown replication mirror %q", m)
		}
	}
	return nil
}

// HasMirror reports whether the named mirror is enabled
func (c *ReplicationConfig) HasMirror(name string) bool {
	for _, m := range c.Mirrors {
		if m == name {
			return true
		}
	}
	return false
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Storage defaults
	if c.Storage.PlayerDir == "" {
		c.Storage.PlayerDir = "player-data"
	}
	if c.Storage.LockBackend == "" {
		c.Storage.LockBackend = LockBackendLocal
	}
	if c.Storage.LockTimeout == 0 {
		c.Storage.LockTimeout = 2 * time.Second
	}
	if c.Storage.LockTTL == 0 {
		c.Storage.LockTTL = 10 * time.Second
	}
	if c.Storage.BackupRetention == 0 {
		c.Storage.BackupRetention = 5
	}
	if c.ConfigData.Dir == "" {
		c.ConfigData.Dir = "progressive-data"
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 15 * time.Minute
	}
	if c.Cache.JanitorInterval == 0 {
		c.Cache.JanitorInterval = time.Minute
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "tapgame"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// SQLite defaults
	if c.SQLite.Path == "" {
		c.SQLite.Path = "mirror.db"
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.IngestTopic == "" {
		c.Kafka.IngestTopic = "player-patches"
	}
	if c.Kafka.StateTopic == "" {
		c.Kafka.StateTopic = "player-state"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "tapgame-core"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Replication defaults
	if c.Replication.Workers == 0 {
		c.Replication.Workers = 2
	}
	if c.Replication.BatchSize == 0 {
		c.Replication.BatchSize = 100
	}
	if c.Replication.MaxPending == 0 {
		c.Replication.MaxPending = 10000
	}
	if c.Replication.MirrorTimeout == 0 {
		c.Replication.MirrorTimeout = 5 * time.Second
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.ConfigInterval == 0 {
		c.Sync.ConfigInterval = 5 * time.Minute
	}
	if c.Sync.ReconcileInterval == 0 {
		c.Sync.ReconcileInterval = 30 * time.Minute
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 500
	}

	// Shutdown defaults
	if c.Shutdown.GracePeriod == 0 {
		c.Shutdown.GracePeriod = 30 * time.Second
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}

	// Game defaults
	if c.Game.StartingEnergy == 0 {
		c.Game.StartingEnergy = 1000
	}
	if c.Game.MaxEnergy == 0 {
		c.Game.MaxEnergy = 1000
	}
	if c.Game.EnergyRegenRate == 0 {
		c.Game.EnergyRegenRate = 1
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}
