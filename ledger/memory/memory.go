// Package memory provides an in-process Ledger for single-instance
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/ineyio/keyrotor"
)

// Ledger is an in-memory keyrotor.Ledger with lazy daily reset.
// A single mutex serializes every snapshot, commit and sweep.
type Ledger struct {
	mu         sync.Mutex
	keys       map[string]*keyrotor.KeyUsage
	identities map[string]*keyrotor.IdentityUsage
	cursor     keyrotor.Cursor
}

var _ keyrotor.Ledger = (*Ledger)(nil)

// New creates an empty ledger with the cursor at -1.
func New() *Ledger {
	return &Ledger{
		keys:       make(map[string]*keyrotor.KeyUsage),
		identities: make(map[string]*keyrotor.IdentityUsage),
		cursor:     keyrotor.Cursor{LastIndex: -1},
	}
}

// Snapshot reads identity, key and cursor state for q.Day.
func (l *Ledger) Snapshot(_ context.Context, q keyrotor.SnapshotQuery) (keyrotor.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := keyrotor.Snapshot{
		Identity: keyrotor.IdentityUsage{IdentityID: q.IdentityID, Day: q.Day},
		Keys:     make([]keyrotor.KeyUsage, len(q.SecretIDs)),
		Cursor:   keyrotor.Cursor{LastIndex: -1, Day: q.Day},
	}

	if iu, ok := l.identities[q.IdentityID]; ok {
		snap.Identity.LifetimeUses = iu.LifetimeUses
		if iu.Day == q.Day {
			snap.Identity.DailyUses = iu.DailyUses
		}
	}

	for i, id := range q.SecretIDs {
		snap.Keys[i] = keyrotor.KeyUsage{SecretID: id, Day: q.Day}
		if ku, ok := l.keys[id]; ok && ku.Day == q.Day {
			snap.Keys[i].Hits = ku.Hits
		}
	}

	if l.cursor.Day == q.Day {
		snap.Cursor.LastIndex = l.cursor.LastIndex
	}

	return snap, nil
}

// Commit applies a dispense if both ceilings still allow it.
func (l *Ledger) Commit(_ context.Context, c keyrotor.Commit) (keyrotor.CommitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Records already stamped with a later day belong to a newer commit.
	if l.laterThan(c.Day, c.IdentityID, c.SecretID) {
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}

	iu, ok := l.identities[c.IdentityID]
	if !ok {
		iu = &keyrotor.IdentityUsage{IdentityID: c.IdentityID, Day: c.Day}
	}
	daily := iu.DailyUses
	if iu.Day != c.Day {
		daily = 0
	}
	if daily >= c.IdentityDailyCeiling || iu.LifetimeUses >= c.IdentityLifetimeCeiling {
		return keyrotor.CommitResult{}, keyrotor.ErrIdentityQuotaExceeded
	}

	ku, ok := l.keys[c.SecretID]
	if !ok {
		ku = &keyrotor.KeyUsage{SecretID: c.SecretID, Day: c.Day}
	}
	hits := ku.Hits
	if ku.Day != c.Day {
		hits = 0
	}
	if hits >= c.SecretCeiling {
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}

	// All checks passed; apply the three mutations together.
	iu.DailyUses = daily + 1
	iu.LifetimeUses++
	iu.Day = c.Day
	l.identities[c.IdentityID] = iu

	ku.Hits = hits + 1
	ku.Day = c.Day
	l.keys[c.SecretID] = ku

	l.cursor = keyrotor.Cursor{LastIndex: c.Index, Day: c.Day}

	return keyrotor.CommitResult{
		Hits:         ku.Hits,
		DailyUses:    iu.DailyUses,
		LifetimeUses: iu.LifetimeUses,
	}, nil
}

func (l *Ledger) laterThan(day keyrotor.Day, identityID, secretID string) bool {
	if iu, ok := l.identities[identityID]; ok && iu.Day > day {
		return true
	}
	if ku, ok := l.keys[secretID]; ok && ku.Day > day {
		return true
	}
	return l.cursor.Day > day
}

// Sweep zeroes every record stamped with an earlier day.
func (l *Ledger) Sweep(_ context.Context, day keyrotor.Day) (keyrotor.SweepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := keyrotor.SweepResult{Day: day}
	for _, ku := range l.keys {
		if ku.Day < day {
			ku.Hits = 0
			ku.Day = day
			res.Keys++
		}
	}
	for _, iu := range l.identities {
		if iu.Day < day {
			iu.DailyUses = 0
			iu.Day = day
			res.Identities++
		}
	}
	if l.cursor.Day < day {
		l.cursor = keyrotor.Cursor{LastIndex: -1, Day: day}
		res.CursorReset = true
	}
	return res, nil
}

// RegisterIdentity creates a zeroed identity record.
func (l *Ledger) RegisterIdentity(_ context.Context, identityID string, day keyrotor.Day) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.identities[identityID]; ok {
		return keyrotor.ErrIdentityExists
	}
	l.identities[identityID] = &keyrotor.IdentityUsage{IdentityID: identityID, Day: day}
	return nil
}

// SetKeyUsage overwrites a secret's usage record. Intended for seeding state
// in tests and migrations.
func (l *Ledger) SetKeyUsage(u keyrotor.KeyUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[u.SecretID] = &u
}

// SetIdentityUsage overwrites an identity's usage record.
func (l *Ledger) SetIdentityUsage(u keyrotor.IdentityUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.identities[u.IdentityID] = &u
}

// SetCursor overwrites the rotation cursor.
func (l *Ledger) SetCursor(c keyrotor.Cursor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor = c
}
