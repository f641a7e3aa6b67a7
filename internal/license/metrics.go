package license

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Renewal attempt results recorded in the attempts counter.
const (
	resultSuccess   = "success"
	resultTransient = "transient"
	resultTerminal  = "terminal"
	resultCanceled  = "canceled"
	resultSkipped   = "skipped"
	resultStale     = "stale"
)

// RenewalMetrics manages Prometheus instrumentation for the coordinator.
type RenewalMetrics struct {
	attemptsTotal *prometheus.CounterVec
	duration      prometheus.Histogram
	version       prometheus.Gauge
	lastRenewal   prometheus.Gauge
	staleTotal    prometheus.Counter
}

// NewRenewalMetrics builds the collectors and registers them on reg. A nil
// registerer leaves them unregistered, which tests and embedded callers use.
func NewRenewalMetrics(reg prometheus.Registerer) *RenewalMetrics {
	m := &RenewalMetrics{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "n8n",
				Subsystem: "license",
				Name:      "renewal_attempts_total",
				Help:      "Total license authority attempts by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "n8n",
				Subsystem: "license",
				Name:      "renewal_duration_seconds",
				Help:      "Duration of license authority calls",
				Buckets:   prometheus.DefBuckets,
			},
		),
		version: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "n8n",
				Subsystem: "license",
				Name:      "snapshot_version",
				Help:      "Version of the entitlement snapshot currently served",
			},
		),
		lastRenewal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "n8n",
				Subsystem: "license",
				Name:      "last_renewal_timestamp_seconds",
				Help:      "Unix time of the last applied entitlement snapshot",
			},
		),
		staleTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "n8n",
				Subsystem: "license",
				Name:      "stale_replace_total",
				Help:      "Total snapshots discarded because a newer one was already stored",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.attemptsTotal,
			m.duration,
			m.version,
			m.lastRenewal,
			m.staleTotal,
		)
	}

	return m
}

func (m *RenewalMetrics) recordAttempt(result string, elapsed time.Duration) {
	m.attemptsTotal.WithLabelValues(result).Inc()
	if elapsed > 0 {
		m.duration.Observe(elapsed.Seconds())
	}
}

func (m *RenewalMetrics) recordSkip() {
	m.attemptsTotal.WithLabelValues(resultSkipped).Inc()
}

func (m *RenewalMetrics) recordApplied(version uint64, at time.Time) {
	m.version.Set(float64(version))
	m.lastRenewal.Set(float64(at.Unix()))
}

func (m *RenewalMetrics) recordStale() {
	m.staleTotal.Inc()
}
