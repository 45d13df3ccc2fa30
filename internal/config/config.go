package config

import (
	"fmt"
	"os"
	"time"

	"github.com/forgelabs/forge/internal/env"
)

// Config holds the full node configuration, loaded from FORGE_* environment
// variables. Unset fields receive defaults in Load; only the database URL is
// required.
type Config struct {
	Database   DatabaseConfig
	Cluster    ClusterConfig
	Worker     WorkerConfig
	Cron       CronConfig
	Reactivity ReactivityConfig
	Node       NodeConfig
	HTTP       HTTPConfig
}

// DatabaseConfig configures the shared PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `env:"FORGE_DATABASE_URL"`
	PoolSize        int           `env:"FORGE_DATABASE_POOL_SIZE"`
	ConnMaxLifetime time.Duration `env:"FORGE_DATABASE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"FORGE_DATABASE_CONN_MAX_IDLE_TIME"`
}

func (c *DatabaseConfig) Validate() error {
	if c.PoolSize < 0 {
		return fmt.Errorf("FORGE_DATABASE_POOL_SIZE must be positive")
	}
	return nil
}

// ClusterConfig configures membership and leader election timing.
type ClusterConfig struct {
	HeartbeatInterval time.Duration `env:"FORGE_CLUSTER_HEARTBEAT_INTERVAL"`
	DeadThreshold     time.Duration `env:"FORGE_CLUSTER_DEAD_THRESHOLD"`
	LeaderLease       time.Duration `env:"FORGE_CLUSTER_LEADER_LEASE"`
	ElectionRetry     time.Duration `env:"FORGE_CLUSTER_ELECTION_RETRY"`
}

func (c *ClusterConfig) Validate() error {
	if c.DeadThreshold != 0 && c.HeartbeatInterval != 0 && c.DeadThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("FORGE_CLUSTER_DEAD_THRESHOLD must exceed FORGE_CLUSTER_HEARTBEAT_INTERVAL")
	}
	return nil
}

// WorkerConfig configures the per-node job worker pool.
type WorkerConfig struct {
	MaxConcurrent  int           `env:"FORGE_WORKER_MAX_CONCURRENT"`
	PollInterval   time.Duration `env:"FORGE_WORKER_POLL_INTERVAL"`
	BatchSize      int           `env:"FORGE_WORKER_BATCH_SIZE"`
	Capabilities   []string      `env:"FORGE_WORKER_CAPABILITIES"`
	StaleThreshold time.Duration `env:"FORGE_WORKER_STALE_THRESHOLD"`
	Heartbeat      time.Duration `env:"FORGE_WORKER_HEARTBEAT_INTERVAL"`
	DrainDeadline  time.Duration `env:"FORGE_WORKER_DRAIN_DEADLINE"`
}

func (c *WorkerConfig) Validate() error {
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("FORGE_WORKER_MAX_CONCURRENT must be positive")
	}
	return nil
}

// CronConfig configures the leader-only cron scheduler.
type CronConfig struct {
	TickInterval time.Duration `env:"FORGE_CRON_TICK_INTERVAL"`
}

// ReactivityConfig configures the change listener and reactor.
type ReactivityConfig struct {
	Debounce     time.Duration `env:"FORGE_REACTIVITY_DEBOUNCE"`
	MaxDebounce  time.Duration `env:"FORGE_REACTIVITY_MAX_DEBOUNCE"`
	BufferSize   int           `env:"FORGE_REACTIVITY_BUFFER_SIZE"`
	RowModeLimit int           `env:"FORGE_REACTIVITY_ROW_MODE_LIMIT"`
}

func (c *ReactivityConfig) Validate() error {
	if c.MaxDebounce != 0 && c.Debounce > c.MaxDebounce {
		return fmt.Errorf("FORGE_REACTIVITY_DEBOUNCE must not exceed FORGE_REACTIVITY_MAX_DEBOUNCE")
	}
	return nil
}

// HTTPConfig configures the WebSocket listen surface.
type HTTPConfig struct {
	Listen      string `env:"FORGE_HTTP_LISTEN"`
	CheckOrigin bool   `env:"FORGE_HTTP_CHECK_ORIGIN"`
}

// NodeConfig identifies this process in the cluster.
type NodeConfig struct {
	Address       string        `env:"FORGE_NODE_ADDRESS"`
	Version       string        `env:"FORGE_NODE_VERSION"`
	ShutdownGrace time.Duration `env:"FORGE_SHUTDOWN_GRACE"`
}

// Load parses environment variables into a Config and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("FORGE_DATABASE_URL is required")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Database, &c.Cluster, &c.Worker, &c.Reactivity,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Database.PoolSize, 25)
	setDefault(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setDefault(&c.Database.ConnMaxIdleTime, time.Minute)

	setDefault(&c.Cluster.HeartbeatInterval, 5*time.Second)
	setDefault(&c.Cluster.DeadThreshold, 15*time.Second)
	setDefault(&c.Cluster.LeaderLease, 60*time.Second)
	setDefault(&c.Cluster.ElectionRetry, 5*time.Second)

	setDefault(&c.Worker.MaxConcurrent, 10)
	setDefault(&c.Worker.PollInterval, 100*time.Millisecond)
	setDefault(&c.Worker.BatchSize, 10)
	setDefault(&c.Worker.StaleThreshold, 5*time.Minute)
	setDefault(&c.Worker.Heartbeat, 30*time.Second)
	setDefault(&c.Worker.DrainDeadline, 30*time.Second)

	setDefault(&c.Cron.TickInterval, time.Second)

	setDefault(&c.Reactivity.Debounce, 50*time.Millisecond)
	setDefault(&c.Reactivity.MaxDebounce, 200*time.Millisecond)
	setDefault(&c.Reactivity.BufferSize, 1024)
	setDefault(&c.Reactivity.RowModeLimit, 1024)

	setDefault(&c.HTTP.Listen, ":8080")

	setDefault(&c.Node.ShutdownGrace, 30*time.Second)
	if c.Node.Address == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.Address = host
		}
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
