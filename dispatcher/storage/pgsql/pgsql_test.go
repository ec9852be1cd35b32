package pgsql

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/dispatcher/storage/test"
	"github.com/assetra/automation/webhook"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newContainerStorage(t *testing.T) *PgSQLStorage {
	t.Helper()
	if os.Getenv("ASSETRA_PGSQL_TESTCONTAINERS") == "" {
		t.Skip("ASSETRA_PGSQL_TESTCONTAINERS not set")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("assetra"),
		postgres.WithUsername("assetra"),
		postgres.WithPassword("assetra"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := New(ctx, WithPool(pool))
	require.NoError(t, err)
	require.NoError(t, s.ApplySchema(ctx))
	// the schema is idempotent
	require.NoError(t, s.ApplySchema(ctx))
	return s
}

func TestPgSQLStorage(t *testing.T) {
	s := newContainerStorage(t)

	test.TestDispatcherStorage(t, func() storage.AllStorage { return s })

	t.Run("nullable columns", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.StoreEndpoint(ctx, &webhook.Endpoint{
			ID:        "e-null",
			TenantID:  "t-null",
			Direction: webhook.DirectionOutbound,
			URL:       "https://example.com",
		}))
		require.NoError(t, s.StoreDelivery(ctx, &webhook.Delivery{
			ID:         "d-null",
			TenantID:   "t-null",
			EndpointID: "e-null",
			EventName:  "webhook.created",
			Status:     webhook.StatusPending,
		}))

		e, err := s.RetrieveEndpoint(ctx, "t-null", "e-null")
		require.NoError(t, err)
		assert.Empty(t, e.Events)
		assert.True(t, e.LastDeliveryAt.IsZero())

		d, err := s.RetrieveDelivery(ctx, "t-null", "d-null")
		require.NoError(t, err)
		assert.Nil(t, d.Payload)
		assert.Zero(t, d.ResponseCode)
		assert.True(t, d.NextAttemptAt.IsZero())
		assert.Equal(t, webhook.StatusPending, d.Status)
	})
}
