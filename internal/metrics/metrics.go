// Package metrics holds the prometheus collectors of the sync engine. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chatsync"

type Collector struct {
	registry *prometheus.Registry

	sends       *prometheus.CounterVec
	queueLength prometheus.Gauge
	events      *prometheus.CounterVec
	receipts    *prometheus.CounterVec
	mutations   *prometheus.CounterVec
	presence    *prometheus.CounterVec
	connected   prometheus.Gauge
}

// New creates a collector backed by its own registry, including the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound send attempts by result (sent, failed, queued).",
		}, []string{"result"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_length",
			Help:      "Messages waiting for connectivity.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Real-time events handled by kind.",
		}, []string{"kind"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_receipts_total",
			Help:      "markAsRead calls by result.",
		}, []string{"result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "User mutations by operation and result.",
		}, []string{"op", "result"}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_emits_total",
			Help:      "Typing indicator frames emitted by kind.",
		}, []string{"kind"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "1 while the real-time channel is connected.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sends, c.queueLength, c.events, c.receipts, c.mutations, c.presence, c.connected,
	)
	return c
}

// Registry exposes the underlying registry for promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Send(result string) {
	if c == nil {
		return
	}
	c.sends.WithLabelValues(result).Inc()
}

func (c *Collector) QueueLength(n int) {
	if c == nil {
		return
	}
	c.queueLength.Set(float64(n))
}

func (c *Collector) Event(kind string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind).Inc()
}

func (c *Collector) Receipt(result string) {
	if c == nil {
		return
	}
	c.receipts.WithLabelValues(result).Inc()
}

func (c *Collector) Mutation(op, result string) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(op, result).Inc()
}

func (c *Collector) Presence(kind string) {
	if c == nil {
		return
	}
	c.presence.WithLabelValues(kind).Inc()
}

func (c *Collector) Connected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}
