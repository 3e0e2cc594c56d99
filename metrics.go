package gocbx

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the ambient counters/histograms described in §4.13/C13.
// Instrumentation only — nothing here pushes or exposes an HTTP endpoint on
// its own, keeping it inside the "no built-in telemetry transport"
// non-goal while still giving embedding applications something to scrape.
type metrics struct {
	connectsTotal    *prometheus.CounterVec // by node, outcome
	retriesTotal     *prometheus.CounterVec // by reason
	opLatency        *prometheus.HistogramVec // by opcode
	activeLeases     prometheus.Gauge
	poolWaitDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocbx",
			Name:      "connects_total",
			Help:      "Count of connection attempts by node and outcome.",
		}, []string{"node", "outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocbx",
			Name:      "retries_total",
			Help:      "Count of operation retries by reason.",
		}, []string{"reason"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gocbx",
			Name:      "op_latency_seconds",
			Help:      "KV operation latency by opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gocbx",
			Name:      "pool_active_leases",
			Help:      "Currently leased pool connections.",
		}),
		poolWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gocbx",
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a pool lease.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectsTotal, m.retriesTotal, m.opLatency, m.activeLeases, m.poolWaitDuration)
	}
	return m
}
