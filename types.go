package keyrotor

// Secret is one upstream credential in the rotation pool.
type Secret struct {
	ID    string
	Value string
}

// Pool is the ordered set of secrets available for rotation.
// Order determines rotation sequence.
type Pool []Secret

// IDs returns the secret IDs in pool order.
func (p Pool) IDs() []string {
	ids := make([]string, len(p))
	for i, s := range p {
		ids[i] = s.ID
	}
	return ids
}

// KeyUsage is the per-day hit count of a single secret.
type KeyUsage struct {
	SecretID string
	Hits     int64
	Day      Day
}

// IdentityUsage tracks how often a caller identity was issued a credential.
// LifetimeUses is never reset.
type IdentityUsage struct {
	IdentityID   string
	DailyUses    int64
	LifetimeUses int64
	Day          Day
}

// Cursor records the last pool index dispensed on Day.
// LastIndex is -1 when nothing has been dispensed yet.
type Cursor struct {
	LastIndex int
	Day       Day
}

// Snapshot is a consistent, day-normalized read of everything a single
// issuance needs: the identity record, every pool key and the cursor.
type Snapshot struct {
	Identity IdentityUsage
	Keys     []KeyUsage // aligned with the pool
	Cursor   Cursor
}

// IssueRequest is a credential issuance request.
type IssueRequest struct {
	IdentityID string `json:"identity_id"`
	Proof      string `json:"proof"`
}

// Issuance is the result of a successful issuance.
type Issuance struct {
	EncryptedCredential    string
	RemainingIdentityDaily int64
	RemainingSecretDaily   int64

	SecretID string
	Day      Day
	Attempts int
}

// SweepResult reports what a daily reset sweep changed.
type SweepResult struct {
	Day         Day
	Keys        int64
	Identities  int64
	CursorReset bool
}
