// Package metrics exposes the echo service counters to Prometheus.
//
// A nil *Collector is a valid no-op receiver, so components never need to
// nil-check before recording.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the service metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	streamsEchoed      prometheus.Counter
	echoBytes          prometheus.Counter
	echoWriteFailures  prometheus.Counter
	streamReadErrors   prometheus.Counter
	streamsAbandoned   prometheus.Counter
	messagesSent       prometheus.Counter
	messageSendFailure prometheus.Counter
}

// NewCollector registers the service metrics under namespace on reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the global registry.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		gatherer: reg,
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections with a live handler",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		streamsEchoed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_echoed_total",
			Help:      "Total number of streams whose echo was handed to the transport",
		}),
		echoBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_bytes_total",
			Help:      "Total number of reply bytes handed to the transport",
		}),
		echoWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_write_failures_total",
			Help:      "Total number of rejected echo hand-offs",
		}),
		streamReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_read_errors_total",
			Help:      "Total number of streams dropped after a read error",
		}),
		streamsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_abandoned_total",
			Help:      "Total number of partial streams dropped at connection teardown",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_sent_total",
			Help:      "Total number of client messages handed to the transport",
		}),
		messageSendFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_message_send_failures_total",
			Help:      "Total number of client messages whose hand-off failed",
		}),
	}
}

// ConnectionOpened records a new connection handler.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

// ConnectionClosed records a destroyed connection handler.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

// StreamEchoed records a reply of n bytes handed to the transport.
func (c *Collector) StreamEchoed(n int) {
	if c == nil {
		return
	}
	c.streamsEchoed.Inc()
	c.echoBytes.Add(float64(n))
}

// EchoWriteFailed records a rejected echo hand-off.
func (c *Collector) EchoWriteFailed() {
	if c == nil {
		return
	}
	c.echoWriteFailures.Inc()
}

// StreamReadFailed records a stream dropped after a read error.
func (c *Collector) StreamReadFailed() {
	if c == nil {
		return
	}
	c.streamReadErrors.Inc()
}

// StreamsAbandoned records n partial streams dropped at teardown.
func (c *Collector) StreamsAbandoned(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.streamsAbandoned.Add(float64(n))
}

// MessageSent records a client message handed to the transport.
func (c *Collector) MessageSent() {
	if c == nil {
		return
	}
	c.messagesSent.Inc()
}

// MessageSendFailed records a client message whose hand-off failed.
func (c *Collector) MessageSendFailed() {
	if c == nil {
		return
	}
	c.messageSendFailure.Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
