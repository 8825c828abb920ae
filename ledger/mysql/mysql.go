// Package mysql provides a MySQL-backed Ledger for keyrotor.
//
// Commit locks the identity, key and cursor rows with SELECT ... FOR UPDATE
// in that order, checks both ceilings and writes all three rows before the
// transaction commits. Transactions aborted by an InnoDB deadlock or lock
// wait timeout are retried with exponential backoff.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/ineyio/keyrotor"
)

// MySQL error numbers that abort a transaction and are safe to retry.
const (
	errLockDeadlock = 1213
	errLockTimeout  = 1205
)

const maxTxAttempts = 3

// Ledger is a MySQL-backed keyrotor.Ledger.
type Ledger struct {
	db          *sql.DB
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

// Open parses a go-sql-driver DSN and opens a connection pool.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("keyrotor/mysql: parse dsn: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("keyrotor/mysql: connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// New creates a new MySQL-backed Ledger.
func New(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:          db,
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
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			secret_id VARCHAR(191) NOT NULL PRIMARY KEY,
			hits BIGINT NOT NULL DEFAULT 0,
			day CHAR(10) NOT NULL
		) ENGINE=InnoDB`, l.keyTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			identity_id VARCHAR(191) NOT NULL PRIMARY KEY,
			daily_uses BIGINT NOT NULL DEFAULT 0,
			lifetime_uses BIGINT NOT NULL DEFAULT 0,
			day CHAR(10) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB`, l.identityTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TINYINT NOT NULL PRIMARY KEY,
			last_index INT NOT NULL,
			day CHAR(10) NOT NULL
		) ENGINE=InnoDB`, l.cursorTable()),
		fmt.Sprintf(`INSERT IGNORE INTO %s (id, last_index, day) VALUES (1, -1, '')`, l.cursorTable()),
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keyrotor/mysql: ensure schema: %w", err)
		}
	}
	return nil
}

// Snapshot reads the identity, the requested keys and the cursor in one
// read-only repeatable-read transaction.
func (l *Ledger) Snapshot(ctx context.Context, q keyrotor.SnapshotQuery) (keyrotor.Snapshot, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/mysql: begin tx: %w", err)
	}
	defer tx.Rollback()

	snap := keyrotor.Snapshot{
		Identity: keyrotor.IdentityUsage{IdentityID: q.IdentityID, Day: q.Day},
		Keys:     make([]keyrotor.KeyUsage, len(q.SecretIDs)),
		Cursor:   keyrotor.Cursor{LastIndex: -1, Day: q.Day},
	}

	var (
		daily, lifetime int64
		day             string
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT daily_uses, lifetime_uses, day FROM %s WHERE identity_id = ?`, l.identityTable()),
		q.IdentityID,
	).Scan(&daily, &lifetime, &day)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/mysql: snapshot identity: %w", err)
	default:
		snap.Identity.LifetimeUses = lifetime
		if keyrotor.Day(day) == q.Day {
			snap.Identity.DailyUses = daily
		}
	}

	hits := make(map[string]int64, len(q.SecretIDs))
	if len(q.SecretIDs) > 0 {
		args := make([]any, 0, len(q.SecretIDs)+1)
		args = append(args, string(q.Day))
		for _, id := range q.SecretIDs {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.SecretIDs)), ", ")

		rows, err := tx.QueryContext(ctx,
			fmt.Sprintf(`SELECT secret_id, hits FROM %s WHERE day = ? AND secret_id IN (%s)`, l.keyTable(), placeholders),
			args...,
		)
		if err != nil {
			return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/mysql: snapshot keys: %w", err)
		}
		for rows.Next() {
			var (
				id string
				n  int64
			)
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/mysql: scan key: %w", err)
			}
			hits[id] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/mysql: snapshot keys: %w", err)
		}
	}
	for i, id := range q.SecretIDs {
		snap.Keys[i] = keyrotor.KeyUsage{SecretID: id, Hits: hits[id], Day: q.Day}
	}

	var last int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT last_index, day FROM %s WHERE id = 1`, l.cursorTable()),
	).Scan(&last, &day)
	if errors.Is(err, sql.ErrNoRows) {
		return keyrotor.Snapshot{}, fmt.Errorf("%w: rotation cursor missing", keyrotor.ErrStoreInvariant)
	}
	if err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/mysql: snapshot cursor: %w", err)
	}
	if keyrotor.Day(day) == q.Day {
		snap.Cursor.LastIndex = last
	}

	return snap, nil
}

// Commit applies a dispense in one transaction.
func (l *Ledger) Commit(ctx context.Context, c keyrotor.Commit) (keyrotor.CommitResult, error) {
	var res keyrotor.CommitResult
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = l.commit(ctx, tx, c)
		return err
	})
	return res, err
}

func (l *Ledger) commit(ctx context.Context, tx *sql.Tx, c keyrotor.Commit) (keyrotor.CommitResult, error) {
	day := string(c.Day)

	// 1. Identity.
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT IGNORE INTO %s (identity_id, day) VALUES (?, ?)`, l.identityTable()),
		c.IdentityID, day,
	)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: upsert identity: %w", err)
	}
	var (
		daily, lifetime int64
		identityDay     string
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT daily_uses, lifetime_uses, day FROM %s WHERE identity_id = ? FOR UPDATE`, l.identityTable()),
		c.IdentityID,
	).Scan(&daily, &lifetime, &identityDay)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: lock identity: %w", err)
	}
	// Day strings compare lexically in chronological order.
	if identityDay > day {
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}
	if identityDay != day {
		daily = 0
	}
	if daily >= c.IdentityDailyCeiling || lifetime >= c.IdentityLifetimeCeiling {
		return keyrotor.CommitResult{}, keyrotor.ErrIdentityQuotaExceeded
	}

	// 2. Secret.
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT IGNORE INTO %s (secret_id, day) VALUES (?, ?)`, l.keyTable()),
		c.SecretID, day,
	)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: upsert key: %w", err)
	}
	var (
		hits   int64
		keyDay string
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT hits, day FROM %s WHERE secret_id = ? FOR UPDATE`, l.keyTable()),
		c.SecretID,
	).Scan(&hits, &keyDay)
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: lock key: %w", err)
	}
	if keyDay > day {
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}
	if keyDay != day {
		hits = 0
	}
	if hits >= c.SecretCeiling {
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}

	// 3. Cursor.
	var (
		last      int
		cursorDay string
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT last_index, day FROM %s WHERE id = 1 FOR UPDATE`, l.cursorTable()),
	).Scan(&last, &cursorDay)
	if errors.Is(err, sql.ErrNoRows) {
		return keyrotor.CommitResult{}, fmt.Errorf("%w: rotation cursor missing", keyrotor.ErrStoreInvariant)
	}
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: lock cursor: %w", err)
	}
	if cursorDay > day {
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	}

	res := keyrotor.CommitResult{
		Hits:         hits + 1,
		DailyUses:    daily + 1,
		LifetimeUses: lifetime + 1,
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET daily_uses = ?, lifetime_uses = ?, day = ? WHERE identity_id = ?`, l.identityTable()),
		res.DailyUses, res.LifetimeUses, day, c.IdentityID,
	); err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: update identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET hits = ?, day = ? WHERE secret_id = ?`, l.keyTable()),
		res.Hits, day, c.SecretID,
	); err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: update key: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET last_index = ?, day = ? WHERE id = 1`, l.cursorTable()),
		c.Index, day,
	); err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/mysql: advance cursor: %w", err)
	}

	return res, nil
}

// Sweep resets every record stamped with an earlier day.
func (l *Ledger) Sweep(ctx context.Context, day keyrotor.Day) (keyrotor.SweepResult, error) {
	var res keyrotor.SweepResult
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		res = keyrotor.SweepResult{Day: day}

		r, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET daily_uses = 0, day = ? WHERE day < ?`, l.identityTable()),
			string(day), string(day),
		)
		if err != nil {
			return fmt.Errorf("keyrotor/mysql: sweep identities: %w", err)
		}
		if res.Identities, err = r.RowsAffected(); err != nil {
			return fmt.Errorf("keyrotor/mysql: sweep identities: %w", err)
		}

		r, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET hits = 0, day = ? WHERE day < ?`, l.keyTable()),
			string(day), string(day),
		)
		if err != nil {
			return fmt.Errorf("keyrotor/mysql: sweep keys: %w", err)
		}
		if res.Keys, err = r.RowsAffected(); err != nil {
			return fmt.Errorf("keyrotor/mysql: sweep keys: %w", err)
		}

		r, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET last_index = -1, day = ? WHERE id = 1 AND day < ?`, l.cursorTable()),
			string(day), string(day),
		)
		if err != nil {
			return fmt.Errorf("keyrotor/mysql: sweep cursor: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("keyrotor/mysql: sweep cursor: %w", err)
		}
		res.CursorReset = n > 0
		return nil
	})
	if err != nil {
		return keyrotor.SweepResult{Day: day}, err
	}
	return res, nil
}

// RegisterIdentity creates a zeroed identity record.
func (l *Ledger) RegisterIdentity(ctx context.Context, identityID string, day keyrotor.Day) error {
	r, err := l.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT IGNORE INTO %s (identity_id, day) VALUES (?, ?)`, l.identityTable()),
		identityID, string(day),
	)
	if err != nil {
		return fmt.Errorf("keyrotor/mysql: register identity: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("keyrotor/mysql: register identity: %w", err)
	}
	if n == 0 {
		return keyrotor.ErrIdentityExists
	}
	return nil
}

// withTx runs fn in a transaction, committing on success. Transactions
// aborted by a deadlock or lock wait timeout are retried from the start.
func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(newTxBackOff(), maxTxAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := l.runTx(ctx, fn)
		if err != nil && !isLockAbort(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func newTxBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (l *Ledger) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keyrotor/mysql: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keyrotor/mysql: commit: %w", err)
	}
	return nil
}

func isLockAbort(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errLockDeadlock || myErr.Number == errLockTimeout
}
