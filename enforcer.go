package keyrotor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ineyio/keyrotor/proof"
	"github.com/ineyio/keyrotor/seal"
)

// State is the position of a request in the issuance state machine.
type State int

const (
	StateAuthenticated State = iota
	StateIdentityChecked
	StateKeySelected
	StateCommitted
	StateResponded

	StateRejectedAuth
	StateRejectedIdentityQuota
	StateRejectedPoolExhausted
	StateFailedStore
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateIdentityChecked:
		return "identity_checked"
	case StateKeySelected:
		return "key_selected"
	case StateCommitted:
		return "committed"
	case StateResponded:
		return "responded"
	case StateRejectedAuth:
		return "rejected_auth"
	case StateRejectedIdentityQuota:
		return "rejected_identity_quota"
	case StateRejectedPoolExhausted:
		return "rejected_pool_exhausted"
	case StateFailedStore:
		return "failed_store"
	default:
		return "unknown"
	}
}

// Authenticator verifies that a caller's claimed identity is genuine.
type Authenticator interface {
	Verify(identityID, proof string) bool
}

// Sealer encrypts a selected secret for transport to the caller.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// Enforcer issues pooled secrets to identities within their quotas.
type Enforcer struct {
	cfg       Config
	pool      Pool
	secretIDs []string

	ledger     Ledger
	auth       Authenticator
	sealer     Sealer
	meter      Meter
	clock      Clock
	logger     *slog.Logger
	breaker    *StoreBreaker
	newBackOff func() backoff.BackOff
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLedger sets the ledger. Required.
func WithLedger(l Ledger) Option {
	return func(e *Enforcer) { e.ledger = l }
}

// WithAuthenticator overrides the HMAC authenticator built from ProofSecret.
func WithAuthenticator(a Authenticator) Option {
	return func(e *Enforcer) { e.auth = a }
}

// WithSealer overrides the sealer built from CipherSecret.
func WithSealer(s Sealer) Option {
	return func(e *Enforcer) { e.sealer = s }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Enforcer) { e.meter = m }
}

// WithClock sets the clock used to derive the current day.
func WithClock(c Clock) Option {
	return func(e *Enforcer) { e.clock = c }
}

// WithLogger sets the logger used for store failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithStoreBreaker sets the store circuit breaker.
func WithStoreBreaker(b *StoreBreaker) Option {
	return func(e *Enforcer) { e.breaker = b }
}

// WithBackOff sets the backoff used between commit retries.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(e *Enforcer) { e.newBackOff = fn }
}

// NewEnforcer creates an Enforcer for the given config.
// The authenticator and sealer default to the HMAC proof and AES-GCM sealer
// keyed from the config secrets, unless overridden via options.
func NewEnforcer(cfg Config, opts ...Option) (*Enforcer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool := cfg.Pool()
	e := &Enforcer{
		cfg:       cfg,
		pool:      pool,
		secretIDs: pool.IDs(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.ledger == nil {
		return nil, fmt.Errorf("keyrotor: a ledger is required")
	}

	// Apply defaults after options.
	if e.auth == nil {
		a, err := proof.New(cfg.ProofSecret)
		if err != nil {
			return nil, fmt.Errorf("keyrotor: %w", err)
		}
		e.auth = a
	}
	if e.sealer == nil {
		s, err := seal.New(cfg.CipherSecret)
		if err != nil {
			return nil, fmt.Errorf("keyrotor: %w", err)
		}
		e.sealer = s
	}
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	if e.clock == nil {
		e.clock = SystemClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.breaker == nil {
		e.breaker = NewStoreBreaker()
	}
	if e.newBackOff == nil {
		e.newBackOff = defaultBackOff
	}

	return e, nil
}

// Config returns the effective configuration.
func (e *Enforcer) Config() Config { return e.cfg }

// Pool returns the rotation pool.
func (e *Enforcer) Pool() Pool { return e.pool }

// Today returns the current reset day.
func (e *Enforcer) Today() Day { return DayOf(e.clock.Now()) }

// Issue authenticates the caller, checks its quota, selects a secret,
// commits the usage and returns the sealed secret.
func (e *Enforcer) Issue(ctx context.Context, req IssueRequest) (Issuance, error) {
	start := time.Now()

	iss, err := e.issue(ctx, req)

	ev := IssueEvent{
		IdentityID: req.IdentityID,
		Duration:   time.Since(start),
	}
	if err != nil {
		var ie *IssueError
		if errors.As(err, &ie) {
			ev.SecretID = ie.SecretID
			ev.Day = ie.Day
			ev.State = ie.State
			ev.Attempts = ie.Attempts
		}
		ev.Error = err
	} else {
		ev.Day = iss.Day
		ev.SecretID = iss.SecretID
		ev.State = StateResponded
		ev.Attempts = iss.Attempts
		ev.RemainingIdentityDaily = iss.RemainingIdentityDaily
		ev.RemainingSecretDaily = iss.RemainingSecretDaily
	}
	e.meter.OnIssue(ev)

	return iss, err
}

func (e *Enforcer) issue(ctx context.Context, req IssueRequest) (Issuance, error) {
	day := e.Today()
	fail := func(state State, secretID string, attempts int, err error) (Issuance, error) {
		return Issuance{}, &IssueError{
			Err:        err,
			State:      state,
			IdentityID: req.IdentityID,
			SecretID:   secretID,
			Day:        day,
			Attempts:   attempts,
		}
	}

	if !e.auth.Verify(req.IdentityID, req.Proof) {
		return fail(StateRejectedAuth, "", 0, ErrAuthFailed)
	}

	if !e.breaker.Allow() {
		return fail(StateFailedStore, "", 0, fmt.Errorf("%w: circuit open", ErrStoreUnavailable))
	}

	b := backoff.WithMaxRetries(e.newBackOff(), uint64(len(e.pool))+1)

	var (
		sel      Selection
		res      CommitResult
		attempts int
	)
	for {
		attempts++
		// A retry that crosses midnight applies against the new day.
		day = e.Today()
		state, s, r, err := e.attempt(ctx, req.IdentityID, day, attempts)
		sel, res = s, r
		if err == nil {
			break
		}
		if !errors.Is(err, ErrCommitConflict) {
			return fail(state, sel.Secret.ID, attempts, err)
		}

		// A conflict means a secret reached its ceiling or the day rolled
		// over. The retry budget covers one rollover plus every secret, so
		// running out of retries means the whole pool is exhausted.
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fail(StateRejectedPoolExhausted, sel.Secret.ID, attempts, ErrPoolExhausted)
		}
		e.logger.Debug("commit conflict, retrying",
			"identity", req.IdentityID,
			"secret", sel.Secret.ID,
			"day", day,
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fail(StateFailedStore, sel.Secret.ID, attempts, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err()))
		case <-t.C:
		}
	}

	e.breaker.RecordSuccess()

	// The commit is final from here on; caller cancellation no longer matters.
	sealed, err := e.sealer.Seal(sel.Secret.Value)
	if err != nil {
		e.logger.Error("seal credential",
			"identity", req.IdentityID,
			"secret", sel.Secret.ID,
			"day", day,
			"err", err,
		)
		return fail(StateCommitted, sel.Secret.ID, attempts, fmt.Errorf("keyrotor: seal credential: %w", err))
	}

	return Issuance{
		EncryptedCredential:    sealed,
		RemainingIdentityDaily: e.cfg.IdentityDailyCeiling - res.DailyUses,
		RemainingSecretDaily:   e.cfg.SecretDailyCeiling - res.Hits,
		SecretID:               sel.Secret.ID,
		Day:                    day,
		Attempts:               attempts,
	}, nil
}

// attempt runs one snapshot, check, select and commit pass.
func (e *Enforcer) attempt(ctx context.Context, identityID string, day Day, attempt int) (State, Selection, CommitResult, error) {
	snap, err := e.ledger.Snapshot(ctx, SnapshotQuery{
		Day:        day,
		IdentityID: identityID,
		SecretIDs:  e.secretIDs,
	})
	if err != nil {
		return StateFailedStore, Selection{}, CommitResult{}, e.storeFailure(err, "snapshot", identityID, "", day, attempt)
	}

	if snap.Identity.DailyUses >= e.cfg.IdentityDailyCeiling ||
		snap.Identity.LifetimeUses >= e.cfg.IdentityLifetimeCeiling {
		return StateRejectedIdentityQuota, Selection{}, CommitResult{}, ErrIdentityQuotaExceeded
	}

	sel, err := Select(e.pool, snap, e.cfg.SecretDailyCeiling)
	if err != nil {
		if errors.Is(err, ErrStoreInvariant) {
			return StateFailedStore, Selection{}, CommitResult{}, e.storeFailure(err, "select", identityID, "", day, attempt)
		}
		return StateRejectedPoolExhausted, Selection{}, CommitResult{}, err
	}

	res, err := e.ledger.Commit(ctx, Commit{
		Day:                     day,
		IdentityID:              identityID,
		SecretID:                sel.Secret.ID,
		Index:                   sel.Index,
		SecretCeiling:           e.cfg.SecretDailyCeiling,
		IdentityDailyCeiling:    e.cfg.IdentityDailyCeiling,
		IdentityLifetimeCeiling: e.cfg.IdentityLifetimeCeiling,
	})
	switch {
	case err == nil:
		return StateCommitted, sel, res, nil
	case errors.Is(err, ErrCommitConflict):
		return StateKeySelected, sel, CommitResult{}, err
	case errors.Is(err, ErrIdentityQuotaExceeded):
		return StateRejectedIdentityQuota, sel, CommitResult{}, err
	default:
		return StateFailedStore, sel, CommitResult{}, e.storeFailure(err, "commit", identityID, sel.Secret.ID, day, attempt)
	}
}

// storeFailure classifies and logs a ledger error and feeds the breaker.
func (e *Enforcer) storeFailure(err error, op, identityID, secretID string, day Day, attempt int) error {
	err = storeError(err)
	level := slog.LevelWarn
	if errors.Is(err, ErrStoreInvariant) {
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, "ledger operation failed",
		"op", op,
		"identity", identityID,
		"secret", secretID,
		"day", day,
		"attempt", attempt,
		"err", err,
	)
	e.breaker.RecordFailure()
	return err
}

// Sweep resets all day-scoped counters for the current day.
func (e *Enforcer) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	day := e.Today()

	res, err := e.ledger.Sweep(ctx, day)
	if err != nil {
		err = e.storeFailure(err, "sweep", "", "", day, 1)
		res = SweepResult{Day: day}
	} else {
		res.Day = day
	}

	e.meter.OnSweep(SweepEvent{Result: res, Duration: time.Since(start), Error: err})
	return res, err
}

// Register mints a new random identity and creates its usage record.
func (e *Enforcer) Register(ctx context.Context) (string, error) {
	id := uuid.NewString()
	day := e.Today()
	if err := e.ledger.RegisterIdentity(ctx, id, day); err != nil {
		if errors.Is(err, ErrIdentityExists) {
			return "", err
		}
		return "", e.storeFailure(err, "register", id, "", day, 1)
	}
	return id, nil
}

// Usage returns today's snapshot for an identity.
func (e *Enforcer) Usage(ctx context.Context, identityID string) (Snapshot, error) {
	day := e.Today()
	snap, err := e.ledger.Snapshot(ctx, SnapshotQuery{
		Day:        day,
		IdentityID: identityID,
		SecretIDs:  e.secretIDs,
	})
	if err != nil {
		return Snapshot{}, e.storeFailure(err, "usage", identityID, "", day, 1)
	}
	return snap, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnIssue(IssueEvent) {}
func (m *noopMeter) OnSweep(SweepEvent) {}

// StoreHealth reports the ledger health as seen by the store breaker.
func (e *Enforcer) StoreHealth() HealthState { return e.breaker.State() }
