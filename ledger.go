package keyrotor

import "context"

// Ledger is the durable store of key usage, identity usage and the rotation
// cursor. Implementations must apply lazy daily reset on every read and
// write: a record stamped with an earlier day reads as zero for the
// requested day.
type Ledger interface {
	// Snapshot reads the identity record, the usage of every secret in
	// secretIDs (in order) and the cursor as one logical read for day.
	Snapshot(ctx context.Context, q SnapshotQuery) (Snapshot, error)

	// Commit atomically applies a dispense. It increments the secret's hit
	// count only if it is still below SecretCeiling for the day, increments
	// the identity's daily and lifetime counts only if both are still below
	// their ceilings, and sets the cursor to Index. Either all three
	// mutations are applied or none is.
	//
	// Returns ErrCommitConflict if the secret reached its ceiling or any of
	// the three records is already stamped with a day later than c.Day, and
	// ErrIdentityQuotaExceeded if the identity reached a ceiling.
	Commit(ctx context.Context, c Commit) (CommitResult, error)

	// Sweep resets every record stamped with a day earlier than day.
	// Records already stamped with a later day are left alone.
	// Lifetime counts are preserved. Must be idempotent.
	Sweep(ctx context.Context, day Day) (SweepResult, error)

	// RegisterIdentity creates a zeroed identity record.
	// Returns ErrIdentityExists if the identity is already known.
	RegisterIdentity(ctx context.Context, identityID string, day Day) error
}

// SnapshotQuery selects the records a Snapshot reads.
type SnapshotQuery struct {
	Day        Day
	IdentityID string
	SecretIDs  []string
}

// Commit describes one dispense to apply to the ledger.
type Commit struct {
	Day        Day
	IdentityID string
	SecretID   string
	Index      int

	SecretCeiling           int64
	IdentityDailyCeiling    int64
	IdentityLifetimeCeiling int64
}

// CommitResult carries the counters after a successful commit.
type CommitResult struct {
	Hits         int64
	DailyUses    int64
	LifetimeUses int64
}

// SchemaInitializer is implemented by ledgers that need tables and the
// singleton cursor created before first use.
type SchemaInitializer interface {
	EnsureSchema(ctx context.Context) error
}
