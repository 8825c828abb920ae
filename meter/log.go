package meter

import (
	"log/slog"

	"github.com/ineyio/keyrotor"
)

// LogMeter logs issuance and sweep events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ keyrotor.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnIssue(e keyrotor.IssueEvent) {
	switch {
	case e.Error == nil:
		m.Logger.Info("issue",
			"identity", e.IdentityID,
			"secret", e.SecretID,
			"day", e.Day,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"remaining_identity_daily", e.RemainingIdentityDaily,
			"remaining_secret_daily", e.RemainingSecretDaily,
		)
	case keyrotor.IsRejection(e.Error):
		m.Logger.Info("issue_rejected",
			"identity", e.IdentityID,
			"day", e.Day,
			"state", e.State.String(),
			"code", keyrotor.Code(e.Error),
			"attempts", e.Attempts,
		)
	default:
		m.Logger.Warn("issue_error",
			"identity", e.IdentityID,
			"secret", e.SecretID,
			"day", e.Day,
			"state", e.State.String(),
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnSweep(e keyrotor.SweepEvent) {
	if e.Error != nil {
		m.Logger.Warn("sweep_error",
			"day", e.Result.Day,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("sweep",
		"day", e.Result.Day,
		"keys_reset", e.Result.Keys,
		"identities_reset", e.Result.Identities,
		"cursor_reset", e.Result.CursorReset,
		"duration_ms", e.Duration.Milliseconds(),
	)
}
