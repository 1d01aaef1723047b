package download

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the advisory download gauges spec.md §4.5 calls for
// (progress is advisory; correctness never depends on it).
type Metrics struct {
	speed prometheus.Gauge
	etaS  prometheus.Gauge
}

// NewMetrics registers the gauges on reg, or no-ops if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		speed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exo_download_speed_bytes_per_second",
			Help: "Advisory overall download speed of the in-flight shard fetch.",
		}),
		etaS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exo_download_eta_seconds",
			Help: "Advisory estimated time remaining for the in-flight shard fetch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.speed, m.etaS)
	}
	return m
}

// Observe records the latest Progress sample, useful as a ProgressFunc
// passed alongside a caller's own callback: download.NewMetrics(reg).Observe.
func (m *Metrics) Observe(p Progress) {
	m.speed.Set(p.OverallSpeedBps)
	m.etaS.Set(p.OverallETA.Seconds())
}
