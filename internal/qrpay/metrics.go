package qrpay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts poll results and session outcomes. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	StatusChecks    *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	SessionDuration prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StatusChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrpay_status_checks_total",
				Help: "QR attempt status checks by result",
			},
			[]string{"result"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrpay_session_outcomes_total",
				Help: "QR payment sessions by final phase",
			},
			[]string{"phase", "forced"},
		),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qrpay_session_duration_seconds",
			Help:    "Time from opening a QR session to its outcome",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StatusChecks, m.Outcomes, m.SessionDuration)
	}
	return m
}

func (m *Metrics) observePoll(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.StatusChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) observeOutcome(o Outcome, started time.Time) {
	if m == nil {
		return
	}
	phase := string(o.Phase)
	if o.Err != nil {
		phase = "unresolved"
	}
	forced := "false"
	if o.Forced {
		forced = "true"
	}
	m.Outcomes.WithLabelValues(phase, forced).Inc()
	if !started.IsZero() {
		m.SessionDuration.Observe(time.Since(started).Seconds())
	}
}
