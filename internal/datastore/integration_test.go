package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestExecutor_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("nyc311"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	seed, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = seed.Exec(ctx, `
		CREATE TABLE service_requests (
			unique_key   BIGINT PRIMARY KEY,
			created_date TIMESTAMP NOT NULL,
			closed_date  TIMESTAMP,
			agency       TEXT,
			complaint_type TEXT,
			borough      TEXT
		);
		INSERT INTO service_requests VALUES
			(1, '2023-01-01 10:00', '2023-01-02 10:00', 'NYPD', 'Noise - Residential', 'BROOKLYN'),
			(2, '2023-01-03 10:00', NULL,               'NYPD', 'Noise - Residential', 'BROOKLYN'),
			(3, '2023-02-01 08:00', '2023-02-01 20:00', 'HPD',  'HEAT/HOT WATER',      'BRONX');`)
	require.NoError(t, err)
	require.NoError(t, seed.Close(ctx))

	connector, err := NewPgxConnector(dsn, 2*time.Second, 5*time.Second)
	require.NoError(t, err)

	t.Run("select keeps order", func(t *testing.T) {
		exec := NewExecutor(connector)
		res, err := exec.Query(ctx, `
			SELECT complaint_type, COUNT(*) AS complaint_count,
			       AVG(closed_date - created_date) AS avg_resolution
			FROM service_requests
			GROUP BY complaint_type
			ORDER BY complaint_count DESC, complaint_type`)
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, []string{"complaint_type", "complaint_count", "avg_resolution"}, res.Columns())

		v, _ := res[0].Get("complaint_type")
		assert.Equal(t, "Noise - Residential", v)
		v, _ = res[0].Get("avg_resolution")
		assert.Equal(t, "1 day", v)
		v, _ = res[1].Get("avg_resolution")
		assert.Equal(t, "12:00:00", v)
	})

	t.Run("session is read only", func(t *testing.T) {
		exec := NewExecutor(connector, WithValidator(func(string) error { return nil }))
		_, err := exec.Query(ctx, "INSERT INTO service_requests (unique_key, created_date) VALUES (9, now())")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read-only")
	})

	t.Run("statement timeout", func(t *testing.T) {
		exec := NewExecutor(connector)
		res := exec.Execute(ctx, "SELECT pg_sleep(5)")
		assert.Equal(t, "[]", res.JSON())
	})

	t.Run("rejected query", func(t *testing.T) {
		exec := NewExecutor(connector)
		assert.Equal(t, "[]", exec.Execute(ctx, "DROP TABLE service_requests").JSON())

		res, err := exec.Query(ctx, "SELECT COUNT(*) AS n FROM service_requests")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"n":3}]`, res.JSON())
	})
}
