package disburse

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the disbursement collectors. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	confirmLatency prometheus.Histogram
	reconciled     *prometheus.CounterVec
	feesLamports   prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disbursements_total",
			Help: "Disbursement requests by kind and result",
		}, []string{"kind", "result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_submissions_total",
			Help: "Signed transactions handed to the ledger by result",
		}, []string{"result"}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_confirmation_seconds",
			Help:    "Time from submission to reaching the configured commitment",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_resolutions_total",
			Help: "Reconciler passes by resolution",
		}, []string{"resolution"}),
		feesLamports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "platform_fees_lamports_total",
			Help: "Platform fees retained on confirmed disbursements",
		}),
	}
	reg.MustRegister(m.outcomes, m.submissions, m.confirmLatency, m.reconciled, m.feesLamports)
	return m
}

func (m *Metrics) outcome(kind Kind, result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) confirmed(d Disbursement) {
	if m == nil {
		return
	}
	m.feesLamports.Add(float64(d.FeeLamports))
}

func (m *Metrics) latency(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.Observe(d.Seconds())
}

func (m *Metrics) resolution(r string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(r).Inc()
}
