package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/repotest"
)

// newTestDB starts a postgres container, applies migrations and returns a pool.
func newTestDB(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "could not start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dbURL := fmt.Sprintf("postgres://testuser:testpassword@%s:%s/testdb?sslmode=disable", host, port.Port())

	require.NoError(t, postgres.Migrate(dbURL))

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool, dbURL
}

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool, dbURL := newTestDB(t)

	t.Run("Contract", func(t *testing.T) {
		repotest.Run(t, func(t *testing.T) simplemedia.Repository {
			_, err := pool.Exec(context.Background(), `TRUNCATE provisional_uploads, assets`)
			require.NoError(t, err)
			return postgres.NewWithPool(pool)
		})
	})

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		require.NoError(t, postgres.Migrate(dbURL))

		version, dirty, err := postgres.SchemaVersion(dbURL)
		require.NoError(t, err)
		assert.Equal(t, uint(2), version)
		assert.False(t, dirty)
	})

	t.Run("StatusCheckConstraint", func(t *testing.T) {
		upload := repotest.NewUpload(time.Now())
		upload.Status = "DELETED"
		err := postgres.NewWithPool(pool).CreateUpload(context.Background(), upload)
		assert.ErrorIs(t, err, simplemedia.ErrInvalidTransition)
	})

	t.Run("Transaction", func(t *testing.T) {
		ctx := context.Background()
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)

		upload := repotest.NewUpload(time.Now())
		require.NoError(t, postgres.New(tx).CreateUpload(ctx, upload))
		require.NoError(t, tx.Rollback(ctx))

		_, err = postgres.NewWithPool(pool).GetUpload(ctx, upload.ID)
		assert.ErrorIs(t, err, simplemedia.ErrUploadNotFound)
	})
}
