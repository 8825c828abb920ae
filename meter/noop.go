package meter

import "github.com/ineyio/keyrotor"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ keyrotor.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnIssue(keyrotor.IssueEvent) {}
func (m *NoopMeter) OnSweep(keyrotor.SweepEvent) {}
