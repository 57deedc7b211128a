// Package config loads and validates taskstream configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store and bus backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Producer  ProducerConfig  `mapstructure:"producer"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Store     StoreConfig     `mapstructure:"store"`
	Bus       BusConfig       `mapstructure:"bus"`
	NATS      NATSConfig      `mapstructure:"nats"`
	DB        DBConfig        `mapstructure:"db"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Session   SessionConfig   `mapstructure:"session"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeout bounds REST handlers. Websocket routes are exempt.
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProducerConfig tunes the canonical stage sequence.
type ProducerConfig struct {
	StageDelay time.Duration `mapstructure:"stage_delay"`
}

// QueueConfig sizes the accept-to-worker handoff queue.
type QueueConfig struct {
	Depth          int           `mapstructure:"depth"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// BusConfig selects the event bus backend and per-subscriber buffering.
type BusConfig struct {
	Backend         string        `mapstructure:"backend"`
	BufferSize      int           `mapstructure:"buffer_size"`
	DropLogInterval time.Duration `mapstructure:"drop_log_interval"`
}

// NATSConfig configures the NATS connection used by the nats store and bus.
type NATSConfig struct {
	URL string `mapstructure:"url"`
	// Embedded starts an in-process server instead of dialing URL.
	Embedded      bool          `mapstructure:"embedded"`
	StoreDir      string        `mapstructure:"store_dir"`
	KVBucket      string        `mapstructure:"kv_bucket"`
	KVTTL         time.Duration `mapstructure:"kv_ttl"`
	KVReplicas    int           `mapstructure:"kv_replicas"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// SQLiteConfig points at the sqlite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig gates the accept endpoint per client.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// ProgressConfig configures the transition audit hub.
type ProgressConfig struct {
	Enabled        bool                `mapstructure:"enabled"`
	LogEnabled     bool                `mapstructure:"log_enabled"`
	MetricsEnabled bool                `mapstructure:"metrics_enabled"`
	BufferSize     int                 `mapstructure:"buffer_size"`
	Batch          ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs  int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// SessionConfig tunes live websocket sessions.
type SessionConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("producer.stage_delay", 5*time.Second)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.enqueue_timeout", 5*time.Second)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.task_timeout", 0)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("bus.backend", BackendMemory)
	v.SetDefault("bus.buffer_size", 16)
	v.SetDefault("bus.drop_log_interval", 10*time.Second)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.store_dir", "")
	v.SetDefault("nats.kv_bucket", "taskstream-records")
	v.SetDefault("nats.kv_ttl", 24*time.Hour)
	v.SetDefault("nats.kv_replicas", 1)
	v.SetDefault("nats.subject_prefix", "taskstream.tasks")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "task_records")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("sqlite.path", "taskstream.db")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("ratelimit.idle_ttl", 10*time.Minute)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("session.write_timeout", 10*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be > 0")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must be set when store.backend is sqlite")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when store.backend is postgres")
		}
	case BackendNATS:
	default:
		return fmt.Errorf("store.backend %q is not one of memory, sqlite, postgres, nats", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case BackendMemory, BackendNATS:
	default:
		return fmt.Errorf("bus.backend %q is not one of memory, nats", c.Bus.Backend)
	}
	if c.UsesNATS() && !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url must be set unless nats.embedded is true")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// UsesNATS reports whether any backend needs a NATS connection.
func (c Config) UsesNATS() bool {
	return c.Store.Backend == BackendNATS || c.Bus.Backend == BackendNATS
}
