// Package metrics exposes Prometheus collectors for the router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the router's Prometheus metrics
type Collector struct {
	attempts      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	routes        *prometheus.CounterVec
	fallbacks     prometheus.Counter
	keyExhaustion *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg registers on the default registry.
func New(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider calls by outcome (success, rate_limited, failed, error)",
			},
			[]string{"provider", "outcome"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_seconds",
				Help:      "Latency of successful provider calls",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),
		routes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routes_total",
				Help:      "Routed requests by final status",
			},
			[]string{"status", "cached"},
		),
		fallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Requests answered by a provider other than the first candidate",
			},
		),
		keyExhaustion: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_exhausted_total",
				Help:      "Keys marked exhausted after a rate-limit signal",
			},
			[]string{"provider"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveAttempt records one provider call. Nil-safe.
func (c *Collector) ObserveAttempt(provider, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(provider, outcome).Inc()
	if outcome == "success" {
		c.latency.WithLabelValues(provider).Observe(seconds)
	}
}

// ObserveRoute records the final status of a routed request
func (c *Collector) ObserveRoute(status string, cached bool) {
	if c == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	c.routes.WithLabelValues(status, label).Inc()
}

// IncFallback counts a request served after at least one candidate was skipped or failed
func (c *Collector) IncFallback() {
	if c == nil {
		return
	}
	c.fallbacks.Inc()
}

// IncKeyExhausted counts a key flagged as exhausted
func (c *Collector) IncKeyExhausted(provider string) {
	if c == nil {
		return
	}
	c.keyExhaustion.WithLabelValues(provider).Inc()
}

// ObserveCache records a cache hit or miss
func (c *Collector) ObserveCache(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}
