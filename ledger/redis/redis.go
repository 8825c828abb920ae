// Package redis provides a Redis-backed Ledger for keyrotor.
//
// Usage state is stored in Redis hashes and mutated by Lua scripts, so a
// commit is atomic across the identity, the secret and the cursor. All keys
// share one hash tag and therefore one cluster slot.
package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/keyrotor"
)

// DefaultKeyPrefix is the key prefix used unless WithKeyPrefix is given.
const DefaultKeyPrefix = "{keyrotor}:"

// Ledger is a Redis-backed keyrotor.Ledger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ keyrotor.Ledger            = (*Ledger)(nil)
	_ keyrotor.SchemaInitializer = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "{keyrotor}:").
// Keep a hash tag in the prefix when running against Redis Cluster.
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) keyKey(secretID string) string        { return l.keyPrefix + "key:" + secretID }
func (l *Ledger) identityKey(identityID string) string { return l.keyPrefix + "identity:" + identityID }
func (l *Ledger) cursorKey() string                    { return l.keyPrefix + "cursor" }
func (l *Ledger) keySetKey() string                    { return l.keyPrefix + "keys" }
func (l *Ledger) identitySetKey() string               { return l.keyPrefix + "identities" }

// ensureScript creates the cursor if it does not exist yet.
// KEYS[1] = cursor hash
var ensureScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1], "last", "-1", "day", "")
end
return 1
`)

// commitScript atomically applies a dispense.
// KEYS[1] = identity hash
// KEYS[2] = key hash
// KEYS[3] = cursor hash
// KEYS[4] = set of known secret IDs
// KEYS[5] = set of known identity IDs
// ARGV[1] = day
// ARGV[2] = secret ceiling
// ARGV[3] = identity daily ceiling
// ARGV[4] = identity lifetime ceiling
// ARGV[5] = cursor index
// ARGV[6] = secret id
// ARGV[7] = identity id
//
// Returns:
//
//	{1, hits, daily, lifetime} = committed
//	{-1} = identity quota exceeded
//	{-2} = secret at ceiling, or a record stamped with a later day
//	{-3} = cursor missing
var commitScript = goredis.NewScript(`
local day = ARGV[1]

if redis.call("EXISTS", KEYS[3]) == 0 then
    return {-3}
end
for i = 1, 3 do
    local stamped = redis.call("HGET", KEYS[i], "day")
    if stamped and stamped > day then
        return {-2}
    end
end

local daily = 0
if redis.call("HGET", KEYS[1], "day") == day then
    daily = tonumber(redis.call("HGET", KEYS[1], "daily") or "0")
end
local lifetime = tonumber(redis.call("HGET", KEYS[1], "lifetime") or "0")
if daily >= tonumber(ARGV[3]) or lifetime >= tonumber(ARGV[4]) then
    return {-1}
end

local hits = 0
if redis.call("HGET", KEYS[2], "day") == day then
    hits = tonumber(redis.call("HGET", KEYS[2], "hits") or "0")
end
if hits >= tonumber(ARGV[2]) then
    return {-2}
end

redis.call("HSET", KEYS[1], "daily", tostring(daily + 1), "lifetime", tostring(lifetime + 1), "day", day)
redis.call("HSET", KEYS[2], "hits", tostring(hits + 1), "day", day)
redis.call("HSET", KEYS[3], "last", ARGV[5], "day", day)
redis.call("SADD", KEYS[4], ARGV[6])
redis.call("SADD", KEYS[5], ARGV[7])
return {1, hits + 1, daily + 1, lifetime + 1}
`)

// resetScript zeroes one day-scoped field of a hash stamped with an earlier
// day. Day strings compare lexically in chronological order.
// KEYS[1] = hash
// ARGV[1] = day
// ARGV[2] = field
// ARGV[3] = reset value
//
// Returns 1 if reset, 0 if current or later, -1 if the hash does not exist.
var resetScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local stamped = redis.call("HGET", KEYS[1], "day")
if stamped and stamped >= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[2], ARGV[3], "day", ARGV[1])
return 1
`)

// registerScript creates a zeroed identity unless it exists.
// KEYS[1] = identity hash
// KEYS[2] = set of known identity IDs
// ARGV[1] = day
// ARGV[2] = identity id
var registerScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "daily", "0", "lifetime", "0", "day", ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`)

// EnsureSchema creates the rotation cursor if it doesn't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if err := ensureScript.Run(ctx, l.client, []string{l.cursorKey()}).Err(); err != nil {
		return fmt.Errorf("keyrotor/redis: ensure schema: %w", err)
	}
	return nil
}

// Snapshot reads the identity, every requested key and the cursor in one
// MULTI/EXEC block.
func (l *Ledger) Snapshot(ctx context.Context, q keyrotor.SnapshotQuery) (keyrotor.Snapshot, error) {
	var (
		identityCmd *goredis.SliceCmd
		keyCmds     = make([]*goredis.SliceCmd, len(q.SecretIDs))
		cursorCmd   *goredis.SliceCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		identityCmd = pipe.HMGet(ctx, l.identityKey(q.IdentityID), "daily", "lifetime", "day")
		for i, id := range q.SecretIDs {
			keyCmds[i] = pipe.HMGet(ctx, l.keyKey(id), "hits", "day")
		}
		cursorCmd = pipe.HMGet(ctx, l.cursorKey(), "last", "day")
		return nil
	})
	if err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/redis: snapshot: %w", err)
	}

	snap := keyrotor.Snapshot{
		Identity: keyrotor.IdentityUsage{IdentityID: q.IdentityID, Day: q.Day},
		Keys:     make([]keyrotor.KeyUsage, len(q.SecretIDs)),
		Cursor:   keyrotor.Cursor{LastIndex: -1, Day: q.Day},
	}

	iv := identityCmd.Val()
	if snap.Identity.LifetimeUses, err = parseInt(iv[1]); err != nil {
		return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/redis: snapshot identity lifetime: %w", err)
	}
	if stamp(iv[2]) == q.Day {
		if snap.Identity.DailyUses, err = parseInt(iv[0]); err != nil {
			return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/redis: snapshot identity daily: %w", err)
		}
	}

	for i, id := range q.SecretIDs {
		snap.Keys[i] = keyrotor.KeyUsage{SecretID: id, Day: q.Day}
		kv := keyCmds[i].Val()
		if stamp(kv[1]) != q.Day {
			continue
		}
		if snap.Keys[i].Hits, err = parseInt(kv[0]); err != nil {
			return keyrotor.Snapshot{}, fmt.Errorf("keyrotor/redis: snapshot key %s: %w", id, err)
		}
	}

	cv := cursorCmd.Val()
	if cv[0] == nil {
		return keyrotor.Snapshot{}, fmt.Errorf("%w: rotation cursor missing", keyrotor.ErrStoreInvariant)
	}
	if stamp(cv[1]) == q.Day {
		last, err := parseInt(cv[0])
		if err != nil {
			return keyrotor.Snapshot{}, fmt.Errorf("%w: rotation cursor: %v", keyrotor.ErrStoreInvariant, err)
		}
		snap.Cursor.LastIndex = int(last)
	}

	return snap, nil
}

// Commit applies a dispense in a single Lua script.
func (l *Ledger) Commit(ctx context.Context, c keyrotor.Commit) (keyrotor.CommitResult, error) {
	vals, err := commitScript.Run(ctx, l.client,
		[]string{
			l.identityKey(c.IdentityID),
			l.keyKey(c.SecretID),
			l.cursorKey(),
			l.keySetKey(),
			l.identitySetKey(),
		},
		string(c.Day), c.SecretCeiling, c.IdentityDailyCeiling, c.IdentityLifetimeCeiling,
		c.Index, c.SecretID, c.IdentityID,
	).Int64Slice()
	if err != nil {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/redis: commit: %w", err)
	}
	if len(vals) == 0 {
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/redis: commit: empty script result")
	}

	switch vals[0] {
	case 1:
		if len(vals) != 4 {
			return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/redis: commit: unexpected result %v", vals)
		}
		return keyrotor.CommitResult{Hits: vals[1], DailyUses: vals[2], LifetimeUses: vals[3]}, nil
	case -1:
		return keyrotor.CommitResult{}, keyrotor.ErrIdentityQuotaExceeded
	case -2:
		return keyrotor.CommitResult{}, keyrotor.ErrCommitConflict
	case -3:
		return keyrotor.CommitResult{}, fmt.Errorf("%w: rotation cursor missing", keyrotor.ErrStoreInvariant)
	default:
		return keyrotor.CommitResult{}, fmt.Errorf("keyrotor/redis: unexpected commit result: %d", vals[0])
	}
}

// Sweep resets every key and identity stamped with an earlier day, then the
// cursor. Each record is reset by its own script, so a sweep racing with
// commits never clobbers a counter already written for day.
func (l *Ledger) Sweep(ctx context.Context, day keyrotor.Day) (keyrotor.SweepResult, error) {
	res := keyrotor.SweepResult{Day: day}

	n, err := l.sweepSet(ctx, l.keySetKey(), l.keyKey, day, "hits", "0")
	if err != nil {
		return res, err
	}
	res.Keys = n

	n, err = l.sweepSet(ctx, l.identitySetKey(), l.identityKey, day, "daily", "0")
	if err != nil {
		return res, err
	}
	res.Identities = n

	r, err := resetScript.Run(ctx, l.client, []string{l.cursorKey()}, string(day), "last", "-1").Int64()
	if err != nil {
		return res, fmt.Errorf("keyrotor/redis: sweep cursor: %w", err)
	}
	if r == -1 {
		return res, fmt.Errorf("%w: rotation cursor missing", keyrotor.ErrStoreInvariant)
	}
	res.CursorReset = r == 1

	return res, nil
}

func (l *Ledger) sweepSet(ctx context.Context, set string, key func(string) string, day keyrotor.Day, field, zero string) (int64, error) {
	var reset int64
	iter := l.client.SScan(ctx, set, 0, "", 100).Iterator()
	for iter.Next(ctx) {
		r, err := resetScript.Run(ctx, l.client, []string{key(iter.Val())}, string(day), field, zero).Int64()
		if err != nil {
			return reset, fmt.Errorf("keyrotor/redis: sweep %s: %w", iter.Val(), err)
		}
		if r == 1 {
			reset++
		}
	}
	if err := iter.Err(); err != nil {
		return reset, fmt.Errorf("keyrotor/redis: sweep scan: %w", err)
	}
	return reset, nil
}

// RegisterIdentity creates a zeroed identity record.
func (l *Ledger) RegisterIdentity(ctx context.Context, identityID string, day keyrotor.Day) error {
	created, err := registerScript.Run(ctx, l.client,
		[]string{l.identityKey(identityID), l.identitySetKey()},
		string(day), identityID,
	).Int64()
	if err != nil {
		return fmt.Errorf("keyrotor/redis: register identity: %w", err)
	}
	if created == 0 {
		return keyrotor.ErrIdentityExists
	}
	return nil
}

func parseInt(v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}

func stamp(v interface{}) keyrotor.Day {
	s, _ := v.(string)
	return keyrotor.Day(s)
}
