package httpapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the process-wide counters §4 asks every deployment to
// expose, registered once at server bootstrap.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	EventsDroppedTotal *prometheus.CounterVec
	FlagsEvaluatedTotal *prometheus.CounterVec
}

// NewMetrics builds and registers the counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Events accepted by the capture endpoint.",
		}, nil),
		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_dropped_total",
			Help: "Events dropped before or during production to the sink.",
		}, []string{"reason"}),
		FlagsEvaluatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flags_evaluated_total",
			Help: "Feature flag evaluations, by outcome reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.EventsTotal, m.EventsDroppedTotal, m.FlagsEvaluatedTotal)
	return m
}
