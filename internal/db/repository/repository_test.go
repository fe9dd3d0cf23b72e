package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/ordersync/internal/config"
	"github.com/gigmarket/ordersync/internal/db"
	"github.com/gigmarket/ordersync/internal/kv"
	"github.com/gigmarket/ordersync/internal/models"
)

var _ kv.Store = (*KVRepository)(nil)

func openTestDB(t *testing.T) *Repositories {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(ctx, config.Database{
		Driver: db.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "ordersync.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.Migrate())
	// a second run finds nothing to do
	require.NoError(t, database.Migrate())
	require.NoError(t, database.HealthCheck(ctx))

	return NewRepositories(database)
}

func TestKVRepository(t *testing.T) {
	repos := openTestDB(t)
	ctx := context.Background()

	_, ok, err := repos.KV.Get(ctx, kv.KeyOrderID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repos.KV.Set(ctx, kv.KeyOrderID, "o1"))
	require.NoError(t, repos.KV.Set(ctx, kv.KeyOrderID, "o2"))

	value, ok, err := repos.KV.Get(ctx, kv.KeyOrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "o2", value)

	require.NoError(t, repos.KV.Remove(ctx, kv.KeyOrderID))
	require.NoError(t, repos.KV.Remove(ctx, kv.KeyOrderID))
	_, ok, err = repos.KV.Get(ctx, kv.KeyOrderID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrderSnapshotRepository(t *testing.T) {
	repos := openTestDB(t)
	ctx := context.Background()
	accepted := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	orders := []models.Order{
		{
			ID:          "o1",
			OrderNumber: "A-1",
			Status:      models.OrderStatusInProgress,
			AcceptedAt:  &accepted,
			Payment:     models.Payment{Amount: decimal.RequireFromString("80.00")},
			Extras: []models.Extra{
				{Description: "Parking", Amount: decimal.RequireFromString("12.50"), PaidBy: models.PayerCustomer},
				{Description: "Unconfirmed", Amount: decimal.NewFromInt(5), LocalKey: "o1:extra:2", Pending: true},
			},
		},
		{ID: "o2", OrderNumber: "A-2", Status: models.OrderStatusPending},
	}
	require.NoError(t, repos.Snapshots.SaveAll(ctx, orders))

	all, err := repos.Snapshots.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	inProgress := models.OrderStatusInProgress
	list, err := repos.Snapshots.List(ctx, &inProgress)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got := list[0]
	assert.Equal(t, "A-1", got.OrderNumber)
	require.NotNil(t, got.AcceptedAt)
	assert.True(t, accepted.Equal(*got.AcceptedAt))
	assert.True(t, decimal.RequireFromString("80").Equal(got.Payment.Amount))
	require.Len(t, got.Extras, 1, "pending extras are not persisted")
	assert.Equal(t, "Parking", got.Extras[0].Description)

	orders[1].Status = models.OrderStatusAccepted
	require.NoError(t, repos.Snapshots.Save(ctx, orders[1]))
	pending := models.OrderStatusPending
	list, err = repos.Snapshots.List(ctx, &pending)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, repos.Snapshots.Delete(ctx, "o2"))
	assert.ErrorIs(t, repos.Snapshots.Delete(ctx, "o2"), models.ErrOrderNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := db.Open(context.Background(), config.Database{Driver: "mongo"}, nil)
	assert.Error(t, err)
}
