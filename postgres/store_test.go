package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/mapreduce/internal/storetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func newTestStore(t *testing.T, history int) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mapreduce"),
		tcpostgres.WithUsername("mapreduce"),
		tcpostgres.WithPassword("mapreduce"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	s, err := Open(ctx, dsn, Options{History: history})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	s := newTestStore(t, 2)
	storetest.RunCheckpointer(t, s, 2)
	storetest.RunDLQStore(t, s.DLQ())

	// Migrations are idempotent.
	require.NoError(t, s.Migrate(context.Background()))
}
