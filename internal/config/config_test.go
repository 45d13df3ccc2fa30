package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	os.Clearenv()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORGE_DATABASE_URL")
}

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("FORGE_DATABASE_URL", "postgres://localhost/forge")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Database.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Cluster.DeadThreshold)
	assert.Equal(t, 60*time.Second, cfg.Cluster.LeaderLease)
	assert.Equal(t, 10, cfg.Worker.MaxConcurrent)
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Worker.StaleThreshold)
	assert.Equal(t, time.Second, cfg.Cron.TickInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Reactivity.Debounce)
	assert.Equal(t, 200*time.Millisecond, cfg.Reactivity.MaxDebounce)
	assert.Equal(t, 1024, cfg.Reactivity.BufferSize)
	assert.NotEmpty(t, cfg.Node.Address)
}

func TestLoad_Overrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("FORGE_DATABASE_URL", "postgres://localhost/forge")
	os.Setenv("FORGE_WORKER_CAPABILITIES", "gpu,media")
	os.Setenv("FORGE_WORKER_MAX_CONCURRENT", "4")
	os.Setenv("FORGE_CRON_TICK_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"gpu", "media"}, cfg.Worker.Capabilities)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.Cron.TickInterval)
}

func TestLoad_RejectsDeadThresholdBelowHeartbeat(t *testing.T) {
	os.Clearenv()
	os.Setenv("FORGE_DATABASE_URL", "postgres://localhost/forge")
	os.Setenv("FORGE_CLUSTER_HEARTBEAT_INTERVAL", "10s")
	os.Setenv("FORGE_CLUSTER_DEAD_THRESHOLD", "5s")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsDebounceAboveMax(t *testing.T) {
	os.Clearenv()
	os.Setenv("FORGE_DATABASE_URL", "postgres://localhost/forge")
	os.Setenv("FORGE_REACTIVITY_DEBOUNCE", "300ms")
	os.Setenv("FORGE_REACTIVITY_MAX_DEBOUNCE", "200ms")

	_, err := Load()
	require.Error(t, err)
}
