package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/keyrotor"
)

// PrometheusMeter records issuance and sweep events as Prometheus metrics.
// Identity IDs are never used as label values.
type PrometheusMeter struct {
	issueTotal    *prometheus.CounterVec
	issueDuration *prometheus.HistogramVec
	attempts      prometheus.Histogram
	secretIssued  *prometheus.CounterVec
	sweepTotal    *prometheus.CounterVec
	sweepReset    *prometheus.CounterVec
}

var _ keyrotor.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the keyrotor metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusMeter{
		issueTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrotor_issue_total",
				Help: "Total number of credential issuance requests by terminal state",
			},
			[]string{"state", "code"},
		),
		issueDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrotor_issue_duration_seconds",
				Help:    "Duration of credential issuance requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"state"},
		),
		attempts: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keyrotor_commit_attempts",
				Help:    "Number of ledger commit attempts per issuance",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
		),
		secretIssued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrotor_secret_issued_total",
				Help: "Total number of credentials issued per pooled secret",
			},
			[]string{"secret"},
		),
		sweepTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrotor_sweep_total",
				Help: "Total number of daily reset sweeps",
			},
			[]string{"status"},
		),
		sweepReset: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrotor_sweep_reset_total",
				Help: "Total number of records reset by sweeps",
			},
			[]string{"kind"},
		),
	}
}

func (m *PrometheusMeter) OnIssue(e keyrotor.IssueEvent) {
	state := e.State.String()
	code := keyrotor.Code(e.Error)
	if code == "" {
		code = "ok"
	}
	m.issueTotal.WithLabelValues(state, code).Inc()
	m.issueDuration.WithLabelValues(state).Observe(e.Duration.Seconds())
	if e.Attempts > 0 {
		m.attempts.Observe(float64(e.Attempts))
	}
	if e.Error == nil {
		m.secretIssued.WithLabelValues(e.SecretID).Inc()
	}
}

func (m *PrometheusMeter) OnSweep(e keyrotor.SweepEvent) {
	if e.Error != nil {
		m.sweepTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepTotal.WithLabelValues("ok").Inc()
	m.sweepReset.WithLabelValues("keys").Add(float64(e.Result.Keys))
	m.sweepReset.WithLabelValues("identities").Add(float64(e.Result.Identities))
	if e.Result.CursorReset {
		m.sweepReset.WithLabelValues("cursor").Inc()
	}
}

// IssueTotal returns the issuance counter.
func (m *PrometheusMeter) IssueTotal() *prometheus.CounterVec { return m.issueTotal }

// SecretIssued returns the per-secret issuance counter.
func (m *PrometheusMeter) SecretIssued() *prometheus.CounterVec { return m.secretIssued }

// SweepTotal returns the sweep counter.
func (m *PrometheusMeter) SweepTotal() *prometheus.CounterVec { return m.sweepTotal }

// SweepReset returns the per-kind sweep reset counter.
func (m *PrometheusMeter) SweepReset() *prometheus.CounterVec { return m.sweepReset }
