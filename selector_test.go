package keyrotor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kr "github.com/ineyio/keyrotor"
)

func testPool(ids ...string) kr.Pool {
	pool := make(kr.Pool, len(ids))
	for i, id := range ids {
		pool[i] = kr.Secret{ID: id, Value: "sk-" + id}
	}
	return pool
}

func testSnapshot(cursor int, hits ...int64) kr.Snapshot {
	snap := kr.Snapshot{Cursor: kr.Cursor{LastIndex: cursor, Day: testToday}}
	for _, h := range hits {
		snap.Keys = append(snap.Keys, kr.KeyUsage{Hits: h, Day: testToday})
	}
	return snap
}

func TestSelect(t *testing.T) {
	pool := testPool("A", "B", "C")

	tests := []struct {
		name  string
		snap  kr.Snapshot
		want  int
		errIs error
	}{
		{name: "fresh day starts at first", snap: testSnapshot(-1, 0, 0, 0), want: 0},
		{name: "follows cursor", snap: testSnapshot(0, 1, 0, 0), want: 1},
		{name: "wraps after last", snap: testSnapshot(2, 1, 1, 1), want: 0},
		{name: "cursor past end wraps", snap: testSnapshot(5, 0, 0, 0), want: 0},
		{name: "skips full secret", snap: testSnapshot(0, 1, 2, 0), want: 2},
		{name: "skips to behind cursor", snap: testSnapshot(1, 1, 2, 2), want: 0},
		{name: "all full", snap: testSnapshot(1, 2, 2, 2), errIs: kr.ErrPoolExhausted},
		{name: "over ceiling counts as full", snap: testSnapshot(-1, 9, 2, 1), want: 2},
		{name: "cursor below -1", snap: testSnapshot(-2, 0, 0, 0), errIs: kr.ErrStoreInvariant},
		{name: "snapshot misaligned with pool", snap: testSnapshot(-1, 0, 0), errIs: kr.ErrStoreInvariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := kr.Select(pool, tt.snap, 2)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Index)
			assert.Equal(t, pool[tt.want], sel.Secret)
			assert.Equal(t, tt.snap.Keys[tt.want].Hits, sel.Hits)
		})
	}
}

func TestSelect_EmptyPool(t *testing.T) {
	_, err := kr.Select(nil, kr.Snapshot{}, 2)
	assert.ErrorIs(t, err, kr.ErrPoolExhausted)
}

// Dispensing with ceiling 2 over A, B, C visits A, B, C, A, B, C.
func TestSelect_FairRotation(t *testing.T) {
	pool := testPool("A", "B", "C")
	snap := testSnapshot(-1, 0, 0, 0)

	var got []string
	for {
		sel, err := kr.Select(pool, snap, 2)
		if err != nil {
			require.ErrorIs(t, err, kr.ErrPoolExhausted)
			break
		}
		got = append(got, sel.Secret.ID)
		snap.Keys[sel.Index].Hits++
		snap.Cursor.LastIndex = sel.Index
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, got)
}
