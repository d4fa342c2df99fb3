package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

func TestTransactionRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTransactionRepository(store)
	ctx := context.Background()

	order := sampleTransaction()
	order.CreatedAt = time.Now().UTC().Round(time.Microsecond)
	order.UpdatedAt = order.CreatedAt
	require.NoError(t, repo.Create(ctx, order))

	dup := sampleTransaction()
	dup.ID = "tx-dup"
	dup.Lines[0].ID = "line-dup"
	require.ErrorIs(t, repo.Create(ctx, dup), domain.ErrNumberTaken)

	got, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.Number, got.Number)
	require.Len(t, got.Lines, 1)
	require.True(t, got.Lines[0].Price.Equal(decimal.RequireFromString("12.25")))
	require.Nil(t, got.HeaderDiscountPct)

	pct := decimal.NewFromInt(10)
	got.HeaderDiscountPct = &pct
	got.Status = domain.StatusApproved
	added := got.Lines[0]
	added.ID = "line-2"
	added.Sequence = 2
	require.NoError(t, repo.Save(ctx, got, domain.LineChanges{Added: []domain.Line{added}}))
	require.Equal(t, int64(1), got.Version)

	stale := sampleTransaction()
	require.ErrorIs(t, repo.Save(ctx, stale, domain.LineChanges{}), domain.ErrVersionConflict)
	require.ErrorIs(t,
		repo.Save(ctx, got, domain.LineChanges{Removed: []string{"ghost"}}),
		domain.ErrLineNotFound,
	)

	reloaded, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), reloaded.Version)
	require.Equal(t, domain.StatusApproved, reloaded.Status)
	require.Len(t, reloaded.Lines, 2)
	require.True(t, reloaded.HeaderDiscountPct.Equal(pct))

	numbers, err := repo.ListNumbers(ctx, "SA-20240115-")
	require.NoError(t, err)
	require.Equal(t, []string{order.Number}, numbers)

	listed, err := repo.List(ctx, domain.ListFilter{Type: domain.TypeSalesOrder})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.ErrorIs(t, repo.Delete(ctx, order.ID, 0), domain.ErrVersionConflict)
	require.NoError(t, repo.Delete(ctx, order.ID, 1))

	_, err = repo.Get(ctx, order.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
}
