package meter

import "github.com/ineyio/keyrotor"

// MultiMeter forwards every event to each of its meters in order.
type MultiMeter []keyrotor.Meter

var _ keyrotor.Meter = (MultiMeter)(nil)

// Multi combines meters. Nil entries are skipped.
func Multi(meters ...keyrotor.Meter) MultiMeter {
	out := make(MultiMeter, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm MultiMeter) OnIssue(e keyrotor.IssueEvent) {
	for _, m := range mm {
		m.OnIssue(e)
	}
}

func (mm MultiMeter) OnSweep(e keyrotor.SweepEvent) {
	for _, m := range mm {
		m.OnSweep(e)
	}
}
