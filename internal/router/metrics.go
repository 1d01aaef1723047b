package router

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors the Router exposes. A Router
// created without a registerer (nil) still increments these internally;
// they are simply never scraped.
type metrics struct {
	dropped   *prometheus.CounterVec
	published prometheus.Counter
	delivered prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exo_router_dropped_messages_total",
			Help: "Messages dropped from a subscription's bounded buffer because it was full.",
		}, []string{"topic"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exo_router_published_total",
			Help: "Envelopes published across all topics.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exo_router_delivered_total",
			Help: "Envelopes delivered to local subscribers across all topics.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dropped, m.published, m.delivered)
	}
	return m
}
