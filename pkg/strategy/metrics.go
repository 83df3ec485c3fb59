package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by the executors of every worker generation.
type Metrics struct {
	responses     *prometheus.CounterVec
	writeFailures prometheus.Counter
	revalidations *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_responses_total",
			Help: "The total number of responses returned by each strategy",
		}, []string{"strategy", "source"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_write_failures_total",
			Help: "The total number of failed cache writes",
		}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revalidations_total",
			Help: "The total number of background revalidations",
		}, []string{"result"}),
	}
}

// NewMetrics creates the strategy metrics and registers them to r.
// r may be nil.
func NewMetrics(r prometheus.Registerer) (*Metrics, error) {
	m := newMetrics()
	if r == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.responses, m.writeFailures, m.revalidations} {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
