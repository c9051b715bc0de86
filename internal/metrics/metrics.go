// Package metrics exposes broker and ingress counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signing-broker/internal/broker"
)

const namespace = "signing_broker"

// Collector implements broker.Observer on top of Prometheus instruments.
type Collector struct {
	registry *prometheus.Registry

	pending    prometheus.Gauge
	registered prometheus.Counter
	released   *prometheus.CounterVec
	evicted    prometheus.Counter
	dropped    prometheus.Counter
	throttled  prometheus.Counter
}

var _ broker.Observer = (*Collector)(nil)

// New registers the broker instruments on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_waiters",
			Help:      "Subscribers currently waiting for a transaction.",
		}),
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waiters_registered_total",
			Help:      "Subscribers registered.",
		}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waiters_released_total",
			Help:      "Subscribers released, by outcome.",
		}, []string{"outcome"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waiters_evicted_total",
			Help:      "Subscribers replaced by a later subscribe on the same key.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_dropped_total",
			Help:      "Publishes that found no waiting subscriber.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_throttled_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
	c.registry.MustRegister(c.pending, c.registered, c.released, c.evicted, c.dropped, c.throttled)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) WaiterRegistered() {
	c.registered.Inc()
	c.pending.Inc()
}

func (c *Collector) WaiterReleased(outcome broker.Outcome) {
	c.released.WithLabelValues(outcome.String()).Inc()
	c.pending.Dec()
}

// WaiterEvicted counts a replaced waiter. The evicted waiter leaves the
// table without a release, so the gauge is corrected here.
func (c *Collector) WaiterEvicted() {
	c.evicted.Inc()
	c.pending.Dec()
}

func (c *Collector) PublishDropped() {
	c.dropped.Inc()
}

// Throttled counts a rate-limited request.
func (c *Collector) Throttled() {
	c.throttled.Inc()
}
