// Package metrics exposes endpoint and payload counters as prometheus
// collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nearby"

type Collector struct {
	registry *prometheus.Registry

	endpoints        *prometheus.GaugeVec
	payloadsStarted  *prometheus.CounterVec
	payloadsFinished *prometheus.CounterVec
	payloadBytes     *prometheus.CounterVec
	dispatchPanics   prometheus.Counter
}

// New creates a Collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Number of endpoints per registry set.",
		}, []string{"set"}),
		payloadsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_started_total",
			Help:      "Payloads started, per endpoint copy.",
		}, []string{"kind", "direction"}),
		payloadsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_finished_total",
			Help:      "Payload copies that reached a terminal status.",
		}, []string{"kind", "direction", "status"}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Payload bytes delivered to the application or confirmed sent.",
		}, []string{"direction"}),
		dispatchPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_panics_total",
			Help:      "Event handlers that panicked.",
		}),
	}

	c.registry.MustRegister(
		c.endpoints,
		c.payloadsStarted,
		c.payloadsFinished,
		c.payloadBytes,
		c.dispatchPanics,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// EndpointMoved records a registry transition. Set names "none" are ignored.
func (c *Collector) EndpointMoved(from, to string) {
	if c == nil {
		return
	}
	if from != "none" {
		c.endpoints.WithLabelValues(from).Dec()
	}
	if to != "none" {
		c.endpoints.WithLabelValues(to).Inc()
	}
}

func (c *Collector) PayloadStarted(kind, direction string) {
	if c == nil {
		return
	}
	c.payloadsStarted.WithLabelValues(kind, direction).Inc()
}

func (c *Collector) PayloadFinished(kind, direction, status string) {
	if c == nil {
		return
	}
	c.payloadsFinished.WithLabelValues(kind, direction, status).Inc()
}

func (c *Collector) PayloadBytes(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.payloadBytes.WithLabelValues(direction).Add(float64(n))
}

func (c *Collector) DispatchPanic() {
	if c == nil {
		return
	}
	c.dispatchPanics.Inc()
}
