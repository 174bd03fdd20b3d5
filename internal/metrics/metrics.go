// Package metrics exposes Prometheus collectors for the negotiation and messaging flows.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Collector groups the service counters behind a private registry.
type Collector struct {
	registry            *prometheus.Registry
	quoteTransitions    *prometheus.CounterVec
	quoteConflicts      prometheus.Counter
	messagesAppended    prometheus.Counter
	attachmentsLinked   prometheus.Counter
	compensations       *prometheus.CounterVec
	realtimeDrops       prometheus.Counter
	realtimeSubscribers prometheus.Gauge
	notificationsFailed prometheus.Counter
}

// NewCollector registers the service metrics plus the Go runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	collector := &Collector{
		registry: registry,
		quoteTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_transitions_total",
			Help:      "Quote status transitions applied, by resulting status.",
		}, []string{"status"}),
		quoteConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_conflicts_total",
			Help:      "Quote mutations rejected because of a concurrent change or an illegal state.",
		}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages committed to conversations.",
		}),
		attachmentsLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_linked_total",
			Help:      "Attachment rows created.",
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_compensations_total",
			Help:      "Blobs deleted after a failed attachment write.",
		}, []string{"operation"}),
		realtimeDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_events_total",
			Help:      "Realtime events dropped because a subscriber buffer was full.",
		}),
		realtimeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscribers",
			Help:      "Currently connected realtime subscribers.",
		}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notification intents the sink failed to accept.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collector.quoteTransitions,
		collector.quoteConflicts,
		collector.messagesAppended,
		collector.attachmentsLinked,
		collector.compensations,
		collector.realtimeDrops,
		collector.realtimeSubscribers,
		collector.notificationsFailed,
	)
	return collector
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) QuoteTransition(status string) {
	if c == nil {
		return
	}
	c.quoteTransitions.WithLabelValues(status).Inc()
}

func (c *Collector) QuoteConflict() {
	if c == nil {
		return
	}
	c.quoteConflicts.Inc()
}

func (c *Collector) MessageAppended() {
	if c == nil {
		return
	}
	c.messagesAppended.Inc()
}

func (c *Collector) AttachmentLinked() {
	if c == nil {
		return
	}
	c.attachmentsLinked.Inc()
}

func (c *Collector) Compensation(operation string) {
	if c == nil {
		return
	}
	c.compensations.WithLabelValues(operation).Inc()
}

func (c *Collector) RealtimeDropped() {
	if c == nil {
		return
	}
	c.realtimeDrops.Inc()
}

func (c *Collector) SubscriberAdded() {
	if c == nil {
		return
	}
	c.realtimeSubscribers.Inc()
}

func (c *Collector) SubscriberRemoved() {
	if c == nil {
		return
	}
	c.realtimeSubscribers.Dec()
}

func (c *Collector) NotificationFailed() {
	if c == nil {
		return
	}
	c.notificationsFailed.Inc()
}
