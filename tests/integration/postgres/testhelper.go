package integration

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/postgres"
)

const truncateAll = `TRUNCATE TABLE
	forge_subscriptions, forge_sessions,
	forge_workflow_steps, forge_workflow_runs,
	forge_cron_runs, forge_dead_letters, forge_jobs,
	forge_leaders, forge_nodes, forge_api_keys CASCADE`

// SetupStore connects to the test database, runs migrations, and truncates
// every forge table. Tests skip unless FORGE_TEST_DATABASE_URL is set.
func SetupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("FORGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set FORGE_TEST_DATABASE_URL to run integration tests")
	}

	ctx := context.Background()
	store, err := postgres.NewStore(ctx, postgres.DBConfig{DSN: dsn, PoolSize: 10})
	require.NoError(t, err)

	_, err = store.Pool().Exec(ctx, truncateAll)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = store.Pool().Exec(context.Background(), truncateAll)
		_ = store.Close()
	})
	return store
}
