package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values of synthprep_generate_keys_total.
const (
	outcomePersisted = "persisted"
	outcomeEmpty     = "empty"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// Metrics are the counters updated by a run.
type Metrics struct {
	keys          *prometheus.CounterVec
	instances     prometheus.Counter
	renderSeconds prometheus.Histogram
}

// NewMetrics creates the run metrics and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		keys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synthprep_generate_keys_total",
				Help: "Asset keys visited by the generator, by outcome and failure kind.",
			},
			[]string{"outcome", "kind"},
		),
		instances: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "synthprep_generate_instances_total",
				Help: "Synthesis result instances written to the output store.",
			},
		),
		renderSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "synthprep_generate_render_seconds",
				Help:    "Duration of bounded renderer invocations, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	m.keys.WithLabelValues(outcomePersisted, "")
	m.keys.WithLabelValues(outcomeEmpty, "")
	m.keys.WithLabelValues(outcomeSkipped, "")
	for _, k := range kinds {
		m.keys.WithLabelValues(outcomeFailed, string(k))
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.keys, m.instances, m.renderSeconds} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) key(outcome string, kind Kind) {
	m.keys.WithLabelValues(outcome, string(kind)).Inc()
}
