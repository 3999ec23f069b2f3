package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "requestqueue"

// Metrics counts what happens to requests flowing through a queue. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Admitted        prometheus.Counter
	Parked          prometheus.Counter
	Cancelled       prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheErrors     prometheus.Counter
	NetworkAttempts prometheus.Counter
	Retries         prometheus.Counter
	Deliveries      *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg, when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Admitted:        counter("requests_admitted_total", "Requests added to the queue."),
		Parked:          counter("requests_parked_total", "Requests parked while a session request was in flight."),
		Cancelled:       counter("requests_cancelled_total", "Requests dropped because they were cancelled."),
		CacheHits:       counter("cache_hits_total", "Requests answered from the cache."),
		CacheMisses:     counter("cache_misses_total", "Requests forwarded to the network."),
		CacheErrors:     counter("cache_errors_total", "Cache failures, treated as misses."),
		NetworkAttempts: counter("network_attempts_total", "Calls made to the network."),
		Retries:         counter("network_retries_total", "Network calls retried after a transient failure."),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Results handed to listeners, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting, by queue.",
		}, []string{"queue"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Admitted, m.Parked, m.Cancelled,
		m.CacheHits, m.CacheMisses, m.CacheErrors,
		m.NetworkAttempts, m.Retries,
		m.Deliveries, m.QueueDepth,
	}
}

func (m *Metrics) Admit() {
	if m != nil {
		m.Admitted.Inc()
	}
}

func (m *Metrics) Park() {
	if m != nil {
		m.Parked.Inc()
	}
}

func (m *Metrics) Cancel() {
	if m != nil {
		m.Cancelled.Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) CacheError() {
	if m != nil {
		m.CacheErrors.Inc()
	}
}

func (m *Metrics) Attempt() {
	if m != nil {
		m.NetworkAttempts.Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) Delivered(outcome string) {
	if m == nil {
		return
	}

	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Depth(queue string, n int) {
	if m == nil {
		return
	}

	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}
