package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	requireState := func(version int64, applied int) MigrationState {
		t.Helper()
		state, err := store.MigrationStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, version, state.Version)
		assert.Equal(t, applied, state.Applied)
		return state
	}

	require.NoError(t, store.MigrateDown(ctx, 100))
	assert.Len(t, requireState(0, 0).Pending, 4)

	require.NoError(t, store.MigrateUp(ctx, 0))
	assert.True(t, requireState(4, 4).UpToDate())

	require.NoError(t, store.MigrateUp(ctx, 0), "second up is a no-op")
	requireState(4, 4)

	require.NoError(t, store.MigrateDown(ctx, 1))
	assert.Equal(t, []string{"0004_idempotency_keys"}, requireState(3, 3).Pending)

	require.NoError(t, store.Migrate(ctx, MigrationDown, 3))
	requireState(0, 0)

	require.NoError(t, store.MigrateDown(ctx, 1), "down on an empty schema is a no-op")
	require.NoError(t, store.EnsureSchema(ctx))
}

func TestMigrator_UnsupportedDirection(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, store.Migrate(ctx, MigrationDirection("sideways"), 0))
}
