package keyrotor

import "fmt"

// Selection is the secret chosen for a dispense.
type Selection struct {
	Index  int // becomes the next cursor value
	Secret Secret
	Hits   int64 // hit count observed in the snapshot
}

// Select picks the next secret in round-robin order whose hit count for the
// snapshot day is below ceiling. Probing starts right after the cursor and
// visits every index at most once.
func Select(pool Pool, snap Snapshot, ceiling int64) (Selection, error) {
	n := len(pool)
	if n == 0 {
		return Selection{}, ErrPoolExhausted
	}
	if len(snap.Keys) != n {
		return Selection{}, fmt.Errorf("%w: snapshot has %d keys for a pool of %d", ErrStoreInvariant, len(snap.Keys), n)
	}

	last := snap.Cursor.LastIndex
	if last < -1 {
		return Selection{}, fmt.Errorf("%w: cursor index %d", ErrStoreInvariant, last)
	}

	start := (last + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if snap.Keys[idx].Hits < ceiling {
			return Selection{Index: idx, Secret: pool[idx], Hits: snap.Keys[idx].Hits}, nil
		}
	}
	return Selection{}, ErrPoolExhausted
}
