// Package postgres provides a PostgreSQL-backed Ledger for keyrotor.
//
// Usage state lives in three tables. Commit runs in one transaction using
// conditional UPDATE ... RETURNING statements, taking row locks in a fixed
// identity, key, cursor order.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/keyrotor"
)

// Ledger is a PostgreSQL-backed keyrotor.Ledger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ keyrotor.Ledger            = (*Ledger)(nil)
	_ keyrotor.SchemaInitializer = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "keyrotor_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "keyrotor_",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) keyTable() string      { return l.tablePrefix + "key_usage" }
func (l *Ledger) identityTable() string { return l.tablePrefix + "identity_usage" }
func (l *Ledger) cursorTable() string   { return l.tablePrefix + "rotation_cursor" }

// EnsureSchema creates the required tables and the cursor row if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			secret_id TEXT PRIMARY KEY,
			hits BIGINT NOT NULL DEFAULT 0,
			day TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			identity_id TEXT PRIMARY KEY,
			daily_uses BIGINT NOT NULL DEFAULT 0,
			lifetime_uses BIGINT NOT NULL DEFAULT 0,
			day TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			last_index INTEGER NOT NULL,
			day TEXT NOT NULL
		);
		INSERT INTO %[3]s (id, last_index, day) VALUES (1, -1, '') ON CONFLICT DO NOTHING;
	`, l.keyTable(), l.identityTable(), l.cursorTable())
	if _, err := l.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("keyrotor/postgres: ensure schema: %w", err)
	}
	return nil
}

// Snapshot reads the identity, the requested keys and the cursor in one
// read-only repeatable-read transaction.
func (l *Ledger) Snapshot(ctx context.Context, q keyrotor.SnapshotQuery) (keyrotor.Snapshot, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := keyrotor.Snapshot{
		Identity: keyrotor.IdentityUsage{IdentityID: q.IdentityID, Day: q.Day},
		Keys:     make([]keyrotor.KeyUsage, len(q.SecretIDs)),
		Cursor:   keyrotor.Cursor{LastIndex: -1, Day: q.Day},
	}

	var (
		daily, lifetime int64
		day             string
	)
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT daily_uses, lifetime_uses, day FROM %s WHERE identity_id = $1`, l.identityTable()),
		q.IdentityID,
	).Scan(&daily, &lifetime, &day)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/postgres: snapshot identity: %w", err)
	default:
		snap.Identity.LifetimeUses = lifetime
		if keyrotor.Day(day) == q.Day {
			snap.Identity.DailyUses = daily
		}
	}

	hits := make(map[string]int64, len(q.SecretIDs))
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT secret_id, hits FROM %s WHERE secret_id = ANY($1) AND day = $2`, l.keyTable()),
		q.SecretIDs, string(q.Day),
	)
	if err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/postgres: snapshot keys: %w", err)
	}
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/postgres: scan key: %w", err)
		}
		hits[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/postgres: snapshot keys: %w", err)
	}
	for i, id := range q.SecretIDs {
		snap.Keys[i] = keyrotor.KeyUsage{SecretID: id, Hits: hits[id], Day: q.Day}
	}

	var last int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT last_index, day FROM %s WHERE id = 1`, l.cursorTable()),
	).Scan(&last, &day)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyrotor.Snapshot{}, fmt.Errorf("%w: rotation cursor missing", keyrotor.ErrStoreInvariant)
	}
	if err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/postgres: snapshot cursor: %w", err)
	}
	if keyrotor.Day(day) == q.Day {
		snap.Cursor.LastIndex = last
	}

	return snap, nil
}

// Commit applies a dispense in one transaction.
func (l *Ledger) Commit(ctx context.Context, c keyrotor.Commit) (keyrotor.CommitResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	day := string(c.Day)
	var res keyrotor.CommitResult

	// 1. Identity: upsert, then increment only while under both ceilings
	// and not already stamped with a later day.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity_id, day) VALUES ($1, $2) ON CONFLICT DO NOTHING`, l.identityTable()),
		c.IdentityID, day,
	)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: upsert identity: %w", err)
	}
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				daily_uses = CASE WHEN day = $2 THEN daily_uses + 1 ELSE 1 END,
				lifetime_uses = lifetime_uses + 1,
				day = $2
			WHERE identity_id = $1
				AND day <= $2
				AND (CASE WHEN day = $2 THEN daily_uses ELSE 0 END) < $3
				AND lifetime_uses < $4
			RETURNING daily_uses, lifetime_uses`, l.identityTable()),
		c.IdentityID, day, c.IdentityDailyCeiling, c.IdentityLifetimeCeiling,
	).Scan(&res.DailyUses, &res.LifetimeUses)
	if errors.Is(err, pgx.ErrNoRows) {
		var stamped string
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT day FROM %s WHERE identity_id = $1`, l.identityTable()),
			c.IdentityID,
		).Scan(&stamped)
		if err != nil {
			return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: read identity: %w", err)
		}
		if stamped > day {
			return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
		}
		return keyrotor.CommitResult{}, keyrotor.ErrIdentityQuotaExceeded
	}
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: increment identity: %w", err)
	}

	// 2. Secret: same pattern against the secret ceiling.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (secret_id, day) VALUES ($1, $2) ON CONFLICT DO NOTHING`, l.keyTable()),
		c.SecretID, day,
	)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: upsert key: %w", err)
	}
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				hits = CASE WHEN day = $2 THEN hits + 1 ELSE 1 END,
				day = $2
			WHERE secret_id = $1
				AND day <= $2
				AND (CASE WHEN day = $2 THEN hits ELSE 0 END) < $3
			RETURNING hits`, l.keyTable()),
		c.SecretID, day, c.SecretCeiling,
	).Scan(&res.Hits)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: increment key: %w", err)
	}

	// 3. Cursor.
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET last_index = $1, day = $2 WHERE id = 1 AND day <= $2`, l.cursorTable()),
		c.Index, day,
	)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var stamped string
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT day FROM %s WHERE id = 1`, l.cursorTable()),
		).Scan(&stamped)
		if errors.Is(err, pgx.ErrNoRows) {
			return keyrotor.CommitResult{}, fmt.Errorf("%w: rotation cursor missing", keyrotor.ErrStoreInvariant)
		}
		if err != nil {
			return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: read cursor: %w", err)
		}
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/postgres: commit: %w", err)
	}
	return res, nil
}

// Sweep resets every record stamped with an earlier day.
func (l *Ledger) Sweep(ctx context.Context, day keyrotor.Day) (keyrotor.SweepResult, error) {
	res := keyrotor.SweepResult{Day: day}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("keyrotor/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET daily_uses = 0, day = $1 WHERE day < $1`, l.identityTable()),
		string(day),
	)
	if err != nil {
		return res, fmt.Errorf("keyrotor/postgres: sweep identities: %w", err)
	}
	res.Identities = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET hits = 0, day = $1 WHERE day < $1`, l.keyTable()),
		string(day),
	)
	if err != nil {
		return res, fmt.Errorf("keyrotor/postgres: sweep keys: %w", err)
	}
	res.Keys = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET last_index = -1, day = $1 WHERE id = 1 AND day < $1`, l.cursorTable()),
		string(day),
	)
	if err != nil {
		return res, fmt.Errorf("keyrotor/postgres: sweep cursor: %w", err)
	}
	res.CursorReset = tag.RowsAffected() > 0

	if err := tx.Commit(ctx); err != nil {
		return keyrotor.SweepResult{Day: day}, fmt.Errorf("keyrotor/postgres: commit: %w", err)
	}
	return res, nil
}

// RegisterIdentity creates a zeroed identity record.
func (l *Ledger) RegisterIdentity(ctx context.Context, identityID string, day keyrotor.Day) error {
	var inserted bool
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity_id, day) VALUES ($1, $2) ON CONFLICT DO NOTHING RETURNING true`, l.identityTable()),
		identityID, string(day),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyrotor.ErrIdentityExists
	}
	if err != nil {
		return fmt.Errorf("keyrotor/postgres: register identity: %w", err)
	}
	return nil
}
