package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyrotor"
	"github.com/ineyio/keyrotor/ledger/ledgertest"
	"github.com/ineyio/keyrotor/ledger/memory"
)

func TestContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) keyrotor.Ledger {
		return memory.New()
	})
}

func TestSeededStaleRecordsReadAsZero(t *testing.T) {
	l := memory.New()
	l.SetKeyUsage(keyrotor.KeyUsage{SecretID: "a", Hits: 7, Day: "2030-01-01"})
	l.SetIdentityUsage(keyrotor.IdentityUsage{IdentityID: "dev", DailyUses: 4, LifetimeUses: 9, Day: "2030-01-01"})
	l.SetCursor(keyrotor.Cursor{LastIndex: 0, Day: "2030-01-01"})

	snap, err := l.Snapshot(context.Background(), keyrotor.SnapshotQuery{
		Day:        "2030-01-02",
		IdentityID: "dev",
		SecretIDs:  []string{"a"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), snap.Keys[0].Hits)
	assert.Equal(t, int64(0), snap.Identity.DailyUses)
	assert.Equal(t, int64(9), snap.Identity.LifetimeUses)
	assert.Equal(t, -1, snap.Cursor.LastIndex)
}

func TestSeededCeilingRejectsCommit(t *testing.T) {
	l := memory.New()
	l.SetIdentityUsage(keyrotor.IdentityUsage{IdentityID: "dev", DailyUses: 5, LifetimeUses: 5, Day: "2030-01-01"})

	_, err := l.Commit(context.Background(), keyrotor.Commit{
		Day:                     "2030-01-01",
		IdentityID:              "dev",
		SecretID:                "a",
		SecretCeiling:           10,
		IdentityDailyCeiling:    5,
		IdentityLifetimeCeiling: 50,
	})
	assert.ErrorIs(t, err, keyrotor.ErrIdentityQuotaExceeded)
}
