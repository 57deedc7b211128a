package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Producer.StageDelay != 5*time.Second {
		t.Fatalf("expected default stage delay 5s, got %v", cfg.Producer.StageDelay)
	}
	if cfg.Bus.BufferSize != 16 {
		t.Fatalf("expected default buffer size 16, got %d", cfg.Bus.BufferSize)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Bus.Backend != BackendMemory {
		t.Fatalf("expected memory backends, got store=%q bus=%q", cfg.Store.Backend, cfg.Bus.Backend)
	}
	if cfg.NATS.KVTTL != 24*time.Hour {
		t.Fatalf("expected kv ttl 24h, got %v", cfg.NATS.KVTTL)
	}
	if cfg.UsesNATS() {
		t.Fatal("default config should not need NATS")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 15s
logging:
  development: false
producer:
  stage_delay: 250ms
queue:
  depth: 8
workers:
  concurrency: 2
store:
  backend: nats
bus:
  backend: nats
  buffer_size: 4
nats:
  embedded: true
  kv_bucket: custom-records
  kv_ttl: 1h
  subject_prefix: custom.tasks
ratelimit:
  enabled: true
  rps: 2
  burst: 3
session:
  write_timeout: 3s
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 15*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
	if cfg.Producer.StageDelay != 250*time.Millisecond {
		t.Fatalf("expected stage delay 250ms, got %v", cfg.Producer.StageDelay)
	}
	if cfg.Queue.Depth != 8 || cfg.Workers.Concurrency != 2 {
		t.Fatalf("expected queue/worker overrides, got %+v %+v", cfg.Queue, cfg.Workers)
	}
	if !cfg.UsesNATS() || !cfg.NATS.Embedded {
		t.Fatalf("expected embedded nats, got %+v", cfg.NATS)
	}
	if cfg.NATS.KVBucket != "custom-records" || cfg.NATS.KVTTL != time.Hour {
		t.Fatalf("expected kv overrides, got %+v", cfg.NATS)
	}
	if cfg.Bus.BufferSize != 4 {
		t.Fatalf("expected buffer size 4, got %d", cfg.Bus.BufferSize)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RPS != 2 || cfg.RateLimit.Burst != 3 {
		t.Fatalf("expected rate limit overrides, got %+v", cfg.RateLimit)
	}
	if cfg.Session.WriteTimeout != 3*time.Second {
		t.Fatalf("expected write timeout 3s, got %v", cfg.Session.WriteTimeout)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: redis\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "store.backend") {
		t.Fatalf("expected store.backend error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Queue:   QueueConfig{Depth: 4},
		Workers: WorkersConfig{Concurrency: 1},
		Store:   StoreConfig{Backend: BackendMemory},
		Bus:     BusConfig{Backend: BackendMemory, BufferSize: 16},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid queue depth",
			cfg: func() Config {
				c := base
				c.Queue.Depth = 0
				return c
			}(),
			want: "queue.depth",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Workers.Concurrency = 0
				return c
			}(),
			want: "workers.concurrency",
		},
		{
			name: "invalid buffer size",
			cfg: func() Config {
				c := base
				c.Bus.BufferSize = 0
				return c
			}(),
			want: "bus.buffer_size",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Store.Backend = BackendPostgres
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "sqlite without path",
			cfg: func() Config {
				c := base
				c.Store.Backend = BackendSQLite
				return c
			}(),
			want: "sqlite.path",
		},
		{
			name: "unknown bus",
			cfg: func() Config {
				c := base
				c.Bus.Backend = "kafka"
				return c
			}(),
			want: "bus.backend",
		},
		{
			name: "nats without url",
			cfg: func() Config {
				c := base
				c.Bus.Backend = BackendNATS
				return c
			}(),
			want: "nats.url",
		},
		{
			name: "rate limit without rps",
			cfg: func() Config {
				c := base
				c.RateLimit.Enabled = true
				return c
			}(),
			want: "ratelimit.rps",
		},
		{
			name: "pubsub half configured",
			cfg: func() Config {
				c := base
				c.PubSub.TopicName = "task-completed"
				return c
			}(),
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
