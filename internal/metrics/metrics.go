// Package metrics exposes Prometheus collectors for the plugin host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mortis"

// States are the lifecycle slot states reported by the state gauge.
var States = []string{"idle", "loading", "active", "unloading", "crashed"}

// Metrics holds the host collectors. It satisfies lifecycle.Metrics and
// pkgmgr.Metrics.
type Metrics struct {
	state   *prometheus.GaugeVec
	loads   *prometheus.HistogramVec
	jobs    *prometheus.HistogramVec
	ipc     *prometheus.CounterVec
	limited prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "1 for the current state of the plugin slot, 0 otherwise.",
		}, []string{"state"}),
		loads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "load_duration_seconds",
			Help:      "Time to provision and navigate a plugin surface.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"result"}),
		jobs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pkgmgr",
			Name:      "job_duration_seconds",
			Help:      "Duration of package-manager subprocess runs.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"mode", "result"}),
		ipc: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "IPC requests by channel and outcome.",
		}, []string{"channel", "result"}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "rate_limited_total",
			Help:      "IPC requests rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(m.state, m.loads, m.jobs, m.ipc, m.limited)
	m.SetState("idle")
	return m
}

// SetState marks state as the current slot state.
func (m *Metrics) SetState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// ObserveLoad records one load attempt.
func (m *Metrics) ObserveLoad(d time.Duration, ok bool) {
	m.loads.WithLabelValues(result(ok)).Observe(d.Seconds())
}

// ObserveJob records one package-manager run.
func (m *Metrics) ObserveJob(mode string, ok bool, d time.Duration) {
	m.jobs.WithLabelValues(mode, result(ok)).Observe(d.Seconds())
}

// ObserveIPC counts one IPC request.
func (m *Metrics) ObserveIPC(channel string, ok bool) {
	m.ipc.WithLabelValues(channel, result(ok)).Inc()
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited() {
	m.limited.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
