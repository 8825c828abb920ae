package keyrotor

import "time"

// Meter observes issuance and sweep events for monitoring/logging.
type Meter interface {
	// OnIssue is called once per Issue call with its terminal state.
	OnIssue(event IssueEvent)

	// OnSweep is called after every sweep attempt.
	OnSweep(event SweepEvent)
}

// IssueEvent describes the outcome of an issuance.
type IssueEvent struct {
	IdentityID string
	SecretID   string
	Day        Day
	State      State
	Attempts   int
	Duration   time.Duration
	Error      error

	RemainingIdentityDaily int64
	RemainingSecretDaily   int64
}

// SweepEvent describes a daily reset sweep.
type SweepEvent struct {
	Result   SweepResult
	Duration time.Duration
	Error    error
}
