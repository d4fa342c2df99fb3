package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// integrationDSNEnv — DSN тестовой базы; без него интеграционные тесты пропускаются.
const integrationDSNEnv = "ORDERCORE_POSTGRES_TEST_DSN"

// mutableTables очищаются перед каждым интеграционным тестом; справочник типов документов остаётся.
var mutableTables = []string{
	"idempotency_keys",
	"outbox",
	"transaction_timeline",
	"stock_usages",
	"item_warehouses",
	"items",
	"transaction_lines",
	"transactions",
}

// openPostgresStoreForIntegrationTest открывает базу, накатывает миграции и очищает данные.
func openPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateUp(ctx, 0), "migrate up")
	_, err := store.DB().ExecContext(ctx,
		"TRUNCATE TABLE "+strings.Join(mutableTables, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err, "truncate integration tables")
	return store
}

func openRawPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(integrationDSNEnv))
	if dsn == "" {
		t.Skipf("%s is not set", integrationDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
