// Package ledgertest implements the contract test suite every
// keyrotor.Ledger implementation must pass.
//
// Example usage:
//
//	func TestContract(t *testing.T) {
//	    ledgertest.Run(t, func(t *testing.T) keyrotor.Ledger {
//	        return memory.New()
//	    })
//	}
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/keyrotor"
)

// Factory returns a fresh, empty ledger for a single subtest. Ledgers that
// implement keyrotor.SchemaInitializer are initialized by the suite.
type Factory func(t *testing.T) keyrotor.Ledger

const (
	day1 keyrotor.Day = "2030-01-01"
	day2 keyrotor.Day = "2030-01-02"
)

var secretIDs = []string{"key-a", "key-b", "key-c"}

// Run executes the full contract suite.
func Run(t *testing.T, newLedger Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, l keyrotor.Ledger)
	}{
		{"EmptySnapshot", testEmptySnapshot},
		{"CommitIncrements", testCommitIncrements},
		{"SecretCeilingConflict", testSecretCeilingConflict},
		{"IdentityDailyCeiling", testIdentityDailyCeiling},
		{"IdentityLifetimeCeiling", testIdentityLifetimeCeiling},
		{"LazyDailyReset", testLazyDailyReset},
		{"SweepIdempotent", testSweepIdempotent},
		{"LateCommitDoesNotRewindDay", testLateCommitDoesNotRewindDay},
		{"RegisterIdentity", testRegisterIdentity},
		{"ConcurrentCommitsRespectSecretCeiling", testConcurrentSecretCeiling},
		{"ConcurrentCommitsRespectIdentityCeiling", testConcurrentIdentityCeiling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger(t)
			if init, ok := l.(keyrotor.SchemaInitializer); ok {
				require.NoError(t, init.EnsureSchema(context.Background()))
			}
			tt.fn(t, l)
		})
	}
}

func commit(day keyrotor.Day, identity, secret string, index int, secretCeil, dailyCeil, lifetimeCeil int64) keyrotor.Commit {
	return keyrotor.Commit{
		Day:                     day,
		IdentityID:              identity,
		SecretID:                secret,
		Index:                   index,
		SecretCeiling:           secretCeil,
		IdentityDailyCeiling:    dailyCeil,
		IdentityLifetimeCeiling: lifetimeCeil,
	}
}

func snapshot(t *testing.T, l keyrotor.Ledger, day keyrotor.Day, identity string) keyrotor.Snapshot {
	t.Helper()
	snap, err := l.Snapshot(context.Background(), keyrotor.SnapshotQuery{
		Day:        day,
		IdentityID: identity,
		SecretIDs:  secretIDs,
	})
	require.NoError(t, err)
	require.Len(t, snap.Keys, len(secretIDs))
	return snap
}

func testEmptySnapshot(t *testing.T, l keyrotor.Ledger) {
	snap := snapshot(t, l, day1, "nobody")

	assert.Equal(t, int64(0), snap.Identity.DailyUses)
	assert.Equal(t, int64(0), snap.Identity.LifetimeUses)
	assert.Equal(t, -1, snap.Cursor.LastIndex)
	for i, k := range snap.Keys {
		assert.Equal(t, secretIDs[i], k.SecretID)
		assert.Equal(t, int64(0), k.Hits)
	}
}

func testCommitIncrements(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	res, err := l.Commit(ctx, commit(day1, "dev-1", "key-b", 1, 10, 5, 50))
	require.NoError(t, err)
	assert.Equal(t, keyrotor.CommitResult{Hits: 1, DailyUses: 1, LifetimeUses: 1}, res)

	res, err = l.Commit(ctx, commit(day1, "dev-1", "key-b", 1, 10, 5, 50))
	require.NoError(t, err)
	assert.Equal(t, keyrotor.CommitResult{Hits: 2, DailyUses: 2, LifetimeUses: 2}, res)

	snap := snapshot(t, l, day1, "dev-1")
	assert.Equal(t, int64(2), snap.Identity.DailyUses)
	assert.Equal(t, int64(2), snap.Identity.LifetimeUses)
	assert.Equal(t, int64(0), snap.Keys[0].Hits)
	assert.Equal(t, int64(2), snap.Keys[1].Hits)
	assert.Equal(t, 1, snap.Cursor.LastIndex)
}

func testSecretCeilingConflict(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Commit(ctx, commit(day1, fmt.Sprintf("dev-%d", i), "key-a", 0, 2, 5, 50))
		require.NoError(t, err)
	}
	_, err := l.Commit(ctx, commit(day1, "dev-late", "key-a", 2, 2, 5, 50))
	assert.ErrorIs(t, err, keyrotor.ErrCommitConflict)

	// Nothing from the rejected commit may be visible.
	snap := snapshot(t, l, day1, "dev-late")
	assert.Equal(t, int64(0), snap.Identity.DailyUses)
	assert.Equal(t, int64(0), snap.Identity.LifetimeUses)
	assert.Equal(t, int64(2), snap.Keys[0].Hits)
	assert.Equal(t, 0, snap.Cursor.LastIndex)
}

func testIdentityDailyCeiling(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Commit(ctx, commit(day1, "dev-1", "key-a", 0, 10, 2, 50))
		require.NoError(t, err)
	}
	_, err := l.Commit(ctx, commit(day1, "dev-1", "key-b", 1, 10, 2, 50))
	assert.ErrorIs(t, err, keyrotor.ErrIdentityQuotaExceeded)

	snap := snapshot(t, l, day1, "dev-1")
	assert.Equal(t, int64(2), snap.Identity.DailyUses)
	assert.Equal(t, int64(0), snap.Keys[1].Hits, "rejected commit must not touch the secret")
	assert.Equal(t, 0, snap.Cursor.LastIndex, "rejected commit must not move the cursor")
}

func testIdentityLifetimeCeiling(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	_, err := l.Commit(ctx, commit(day1, "dev-1", "key-a", 0, 10, 5, 2))
	require.NoError(t, err)
	_, err = l.Commit(ctx, commit(day2, "dev-1", "key-a", 0, 10, 5, 2))
	require.NoError(t, err)

	_, err = l.Commit(ctx, commit(day2, "dev-1", "key-a", 0, 10, 5, 2))
	assert.ErrorIs(t, err, keyrotor.ErrIdentityQuotaExceeded)

	snap := snapshot(t, l, day2, "dev-1")
	assert.Equal(t, int64(1), snap.Identity.DailyUses)
	assert.Equal(t, int64(2), snap.Identity.LifetimeUses)
}

func testLazyDailyReset(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Commit(ctx, commit(day1, "dev-1", "key-c", 2, 3, 5, 50))
		require.NoError(t, err)
	}

	// A later day must never observe yesterday's counters.
	snap := snapshot(t, l, day2, "dev-1")
	assert.Equal(t, int64(0), snap.Keys[2].Hits)
	assert.Equal(t, int64(0), snap.Identity.DailyUses)
	assert.Equal(t, int64(3), snap.Identity.LifetimeUses)
	assert.Equal(t, -1, snap.Cursor.LastIndex)

	res, err := l.Commit(ctx, commit(day2, "dev-1", "key-c", 2, 3, 5, 50))
	require.NoError(t, err)
	assert.Equal(t, keyrotor.CommitResult{Hits: 1, DailyUses: 1, LifetimeUses: 4}, res)
}

func testSweepIdempotent(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	_, err := l.Commit(ctx, commit(day1, "dev-1", "key-a", 0, 10, 5, 50))
	require.NoError(t, err)
	_, err = l.Commit(ctx, commit(day1, "dev-2", "key-b", 1, 10, 5, 50))
	require.NoError(t, err)

	first, err := l.Sweep(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Keys)
	assert.Equal(t, int64(2), first.Identities)
	assert.True(t, first.CursorReset)

	after := snapshot(t, l, day2, "dev-1")

	second, err := l.Sweep(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Keys)
	assert.Equal(t, int64(0), second.Identities)
	assert.False(t, second.CursorReset)

	again := snapshot(t, l, day2, "dev-1")
	assert.Equal(t, after, again)
	assert.Equal(t, int64(0), again.Identity.DailyUses)
	assert.Equal(t, int64(1), again.Identity.LifetimeUses, "sweep must preserve lifetime uses")
	assert.Equal(t, -1, again.Cursor.LastIndex)

	// A sweep must not clobber commits already made on the new day.
	_, err = l.Commit(ctx, commit(day2, "dev-1", "key-a", 0, 10, 5, 50))
	require.NoError(t, err)
	third, err := l.Sweep(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), third.Keys)
	snap := snapshot(t, l, day2, "dev-1")
	assert.Equal(t, int64(1), snap.Keys[0].Hits)
	assert.Equal(t, 0, snap.Cursor.LastIndex)
}

func testLateCommitDoesNotRewindDay(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Commit(ctx, commit(day2, "dev-1", "key-a", 0, 2, 5, 50))
		require.NoError(t, err)
	}

	// A commit computed before midnight lands after day2 commits. Neither
	// its identity nor its secret has been touched, only the cursor has.
	_, err := l.Commit(ctx, commit(day1, "dev-2", "key-b", 1, 2, 5, 50))
	assert.ErrorIs(t, err, keyrotor.ErrCommitConflict)
	_, err = l.Commit(ctx, commit(day1, "dev-1", "key-a", 0, 2, 5, 50))
	assert.ErrorIs(t, err, keyrotor.ErrCommitConflict)

	// key-a stays at its day2 ceiling.
	_, err = l.Commit(ctx, commit(day2, "dev-1", "key-a", 0, 2, 5, 50))
	assert.ErrorIs(t, err, keyrotor.ErrCommitConflict)

	// A stale sweep leaves day2 records alone.
	res, err := l.Sweep(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Keys)
	assert.Equal(t, int64(0), res.Identities)
	assert.False(t, res.CursorReset)

	snap := snapshot(t, l, day2, "dev-1")
	assert.Equal(t, int64(2), snap.Keys[0].Hits)
	assert.Equal(t, int64(0), snap.Keys[1].Hits)
	assert.Equal(t, int64(2), snap.Identity.DailyUses)
	assert.Equal(t, int64(2), snap.Identity.LifetimeUses)
	assert.Equal(t, 0, snap.Cursor.LastIndex)

	late := snapshot(t, l, day2, "dev-2")
	assert.Equal(t, int64(0), late.Identity.LifetimeUses)
}

func testRegisterIdentity(t *testing.T, l keyrotor.Ledger) {
	ctx := context.Background()

	require.NoError(t, l.RegisterIdentity(ctx, "dev-new", day1))
	err := l.RegisterIdentity(ctx, "dev-new", day1)
	assert.ErrorIs(t, err, keyrotor.ErrIdentityExists)

	snap := snapshot(t, l, day1, "dev-new")
	assert.Equal(t, int64(0), snap.Identity.DailyUses)
	assert.Equal(t, int64(0), snap.Identity.LifetimeUses)
}

func testConcurrentSecretCeiling(t *testing.T, l keyrotor.Ledger) {
	const (
		workers = 40
		ceiling = 10
	)
	var ok, conflicts atomic.Int64

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		identity := fmt.Sprintf("dev-%d", i)
		g.Go(func() error {
			_, err := l.Commit(context.Background(), commit(day1, identity, "key-a", 0, ceiling, 5, 50))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, keyrotor.ErrCommitConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(ceiling), ok.Load())
	assert.Equal(t, int64(workers-ceiling), conflicts.Load())

	snap := snapshot(t, l, day1, "dev-0")
	assert.Equal(t, int64(ceiling), snap.Keys[0].Hits)
}

func testConcurrentIdentityCeiling(t *testing.T, l keyrotor.Ledger) {
	const (
		workers = 20
		daily   = 5
	)
	var ok atomic.Int64

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		idx := i % len(secretIDs)
		g.Go(func() error {
			_, err := l.Commit(context.Background(), commit(day1, "dev-shared", secretIDs[idx], idx, 100, daily, 50))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, keyrotor.ErrIdentityQuotaExceeded):
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(daily), ok.Load())

	snap := snapshot(t, l, day1, "dev-shared")
	assert.Equal(t, int64(daily), snap.Identity.DailyUses)
	assert.Equal(t, int64(daily), snap.Identity.LifetimeUses)

	var hits int64
	for _, k := range snap.Keys {
		hits += k.Hits
	}
	assert.Equal(t, int64(daily), hits, "every identity use corresponds to exactly one secret hit")
}
