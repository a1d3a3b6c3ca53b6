package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"callhome/internal/models"
	"callhome/internal/store"
)

// =============================================================================
// Helpers
// =============================================================================

// startPostgres spins up a throwaway Postgres container and returns its DSN.
// The container is terminated when the test ends.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("callhome_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) }) //nolint:errcheck

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func newStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := startPostgres(t)
	s, err := store.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

// record returns the listed record of id.
func record(t *testing.T, s *store.PostgresStore, id string) store.DeviceRecord {
	t.Helper()
	recs, err := s.List(context.Background())
	require.NoError(t, err)
	for _, r := range recs {
		if r.UniqueID == id {
			return r
		}
	}
	t.Fatalf("no record for %s", id)
	return store.DeviceRecord{}
}

func change(id string, from, to models.DeviceStatus) models.StatusChange {
	return models.StatusChange{
		UniqueID: id,
		From:     from,
		To:       to,
		At:       time.Now().UTC().Truncate(time.Second),
	}
}

// =============================================================================
// New / migrate
// =============================================================================

func TestNew_ConnectsAndMigrates(t *testing.T) {
	s := newStore(t)
	assert.NotNil(t, s)
}

func TestNew_MigrateIsIdempotent(t *testing.T) {
	// Running New twice on the same DSN should not fail (CREATE TABLE IF NOT EXISTS).
	dsn := startPostgres(t)
	ctx := context.Background()

	s1, err := store.New(ctx, dsn)
	require.NoError(t, err)
	defer s1.Close() //nolint:errcheck

	s2, err := store.New(ctx, dsn)
	require.NoError(t, err)
	defer s2.Close() //nolint:errcheck
}

func TestNew_InvalidDSN_ReturnsError(t *testing.T) {
	_, err := store.New(context.Background(), "postgres://invalid:5432/nodb")
	assert.Error(t, err)
}

// =============================================================================
// Publish
// =============================================================================

func TestPublish_InsertsThenUpdates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := change("10.0.0.5:830", "", models.StatusFailedNotAllowed)
	first.HostKey = "ecdsa-sha2-nistp256 AAAA"
	require.NoError(t, s.Publish(ctx, first))

	rec := record(t, s, "10.0.0.5:830")
	assert.Equal(t, models.StatusFailedNotAllowed, rec.Status)
	assert.Equal(t, "ecdsa-sha2-nistp256 AAAA", rec.HostKey)

	// A change without a host key keeps the stored one.
	require.NoError(t, s.Publish(ctx, change("10.0.0.5:830", models.StatusFailedNotAllowed, models.StatusDisconnected)))

	rec = record(t, s, "10.0.0.5:830")
	assert.Equal(t, models.StatusDisconnected, rec.Status)
	assert.Equal(t, "ecdsa-sha2-nistp256 AAAA", rec.HostKey)
}

func TestPublish_AppendsHistory(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	s, err := store.New(ctx, dsn)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	require.NoError(t, s.Publish(ctx, change("dev1", "", models.StatusConnected)))
	require.NoError(t, s.Publish(ctx, change("dev1", models.StatusConnected, models.StatusDisconnected)))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT from_status, to_status FROM callhome_status_history WHERE unique_id = $1 ORDER BY id`, "dev1")
	require.NoError(t, err)
	defer rows.Close()

	var got [][2]string
	for rows.Next() {
		var from, to string
		require.NoError(t, rows.Scan(&from, &to))
		got = append(got, [2]string{from, to})
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, [][2]string{{"", "CONNECTED"}, {"CONNECTED", "DISCONNECTED"}}, got)
}

// =============================================================================
// List
// =============================================================================

func TestList_OrderedAndConvertible(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, change("b", "", models.StatusConnected)))
	require.NoError(t, s.Publish(ctx, change("a", "", models.StatusFailed)))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].UniqueID)

	states := store.States(recs)
	assert.Equal(t, models.DeviceState{UniqueID: "b", Status: models.StatusConnected}, states[1])
}

// =============================================================================
// Close
// =============================================================================

func TestClose_IsIdempotent(t *testing.T) {
	dsn := startPostgres(t)
	s, err := store.New(context.Background(), dsn)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NotPanics(t, func() { s.Close() }) //nolint:errcheck
}

// =============================================================================
// Concurrent access
// =============================================================================

func TestConcurrent_Publish_NoRace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			errCh <- s.Publish(ctx, change(fmt.Sprintf("dev-%d", i), "", models.StatusConnected))
		}(i)
	}

	for i := 0; i < 20; i++ {
		assert.NoError(t, <-errCh)
	}

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}
