package connpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace    = "sectorfs"
	subsystem    = "connpool"
	poolLabelKey = "pool"
)

// Metrics prometheus collectors of the connection pools. A nil *Metrics
// records nothing.
type Metrics struct {
	checkedOut     *prometheus.GaugeVec
	idle           *prometheus.GaugeVec
	engageDuration *prometheus.HistogramVec
	engageTimeouts *prometheus.CounterVec
	dialFailures   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		checkedOut: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checked_out",
			Help:      "Number of connections currently leased",
		}, []string{poolLabelKey}),
		idle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "idle",
			Help:      "Number of idle connections kept by the pool",
		}, []string{poolLabelKey}),
		engageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engage_time",
			Help:      "Time spent acquiring a connection",
		}, []string{poolLabelKey}),
		engageTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "engage_timeouts_total",
			Help:      "Number of acquisitions which ran out of time",
		}, []string{poolLabelKey}),
		dialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dial_failures_total",
			Help:      "Number of failed attempts to open a physical connection",
		}, []string{poolLabelKey}),
	}
}

// Register registers all collectors in r
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.checkedOut, m.idle, m.engageDuration, m.engageTimeouts, m.dialFailures} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) setCounts(pool string, checkedOut, idle int) {
	if m == nil {
		return
	}
	m.checkedOut.With(prometheus.Labels{poolLabelKey: pool}).Set(float64(checkedOut))
	m.idle.With(prometheus.Labels{poolLabelKey: pool}).Set(float64(idle))
}

func (m *Metrics) observeEngage(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.engageDuration.With(prometheus.Labels{poolLabelKey: pool}).Observe(d.Seconds())
}

func (m *Metrics) engageTimeout(pool string) {
	if m == nil {
		return
	}
	m.engageTimeouts.With(prometheus.Labels{poolLabelKey: pool}).Inc()
}

func (m *Metrics) dialFailure(pool string) {
	if m == nil {
		return
	}
	m.dialFailures.With(prometheus.Labels{poolLabelKey: pool}).Inc()
}
