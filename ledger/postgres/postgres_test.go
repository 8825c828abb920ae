//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyrotor"
	"github.com/ineyio/keyrotor/ledger/ledgertest"
	ledgerpg "github.com/ineyio/keyrotor/ledger/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/keyrotor_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// testPrefix returns a short unique table prefix; subtest names contain
// characters that are not valid in identifiers.
func testPrefix() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_"
}

func newTestLedger(t *testing.T, pool *pgxpool.Pool, prefix string) *ledgerpg.Ledger {
	t.Helper()
	l := ledgerpg.New(pool, ledgerpg.WithTablePrefix(prefix))
	t.Cleanup(func() {
		pool.Exec(context.Background(),
			fmt.Sprintf("DROP TABLE IF EXISTS %[1]skey_usage, %[1]sidentity_usage, %[1]srotation_cursor", prefix))
	})
	return l
}

func TestContract(t *testing.T) {
	pool := newTestPool(t)
	ledgertest.Run(t, func(t *testing.T) keyrotor.Ledger {
		return newTestLedger(t, pool, testPrefix())
	})
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	pool := newTestPool(t)
	l := newTestLedger(t, pool, testPrefix())
	ctx := context.Background()

	require.NoError(t, l.EnsureSchema(ctx))
	_, err := l.Commit(ctx, keyrotor.Commit{
		Day:                     "2030-01-01",
		IdentityID:              "dev",
		SecretID:                "b",
		Index:                   1,
		SecretCeiling:           10,
		IdentityDailyCeiling:    5,
		IdentityLifetimeCeiling: 50,
	})
	require.NoError(t, err)
	require.NoError(t, l.EnsureSchema(ctx))

	snap, err := l.Snapshot(ctx, keyrotor.SnapshotQuery{
		Day:        "2030-01-01",
		IdentityID: "dev",
		SecretIDs:  []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Cursor.LastIndex)
	assert.Equal(t, int64(1), snap.Keys[1].Hits)
}

func TestMissingCursorIsInvariantViolation(t *testing.T) {
	pool := newTestPool(t)
	prefix := testPrefix()
	l := newTestLedger(t, pool, prefix)
	ctx := context.Background()

	require.NoError(t, l.EnsureSchema(ctx))
	_, err := pool.Exec(ctx, fmt.Sprintf("DELETE FROM %srotation_cursor", prefix))
	require.NoError(t, err)

	_, err = l.Snapshot(ctx, keyrotor.SnapshotQuery{
		Day:        "2030-01-01",
		IdentityID: "dev",
		SecretIDs:  []string{"a"},
	})
	assert.ErrorIs(t, err, keyrotor.ErrStoreInvariant)

	_, err = l.Commit(ctx, keyrotor.Commit{
		Day:                     "2030-01-01",
		IdentityID:              "dev",
		SecretID:                "a",
		SecretCeiling:           10,
		IdentityDailyCeiling:    5,
		IdentityLifetimeCeiling: 50,
	})
	assert.ErrorIs(t, err, keyrotor.ErrStoreInvariant)

	// The failed commit must not leave partial increments behind.
	var n int
	require.NoError(t, pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %sidentity_usage WHERE lifetime_uses > 0", prefix)).Scan(&n))
	assert.Zero(t, n)
}
