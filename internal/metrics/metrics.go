// Package metrics exposes Prometheus collectors for the hub and transport
// layers, following the Registry pattern from go-server-3/internal/metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the server exposes, each bound
// to its own private *prometheus.Registry rather than the global default —
// so that, unlike a plain promauto.New* call, constructing more than one
// Registry in the same process (as the test suite does, one per hub) never
// panics on duplicate collector registration.
type Registry struct {
	inner *prometheus.Registry

	ActiveConnections prometheus.Gauge
	AcceptErrors      prometheus.Counter

	MulticastDelivered prometheus.Counter
	MulticastDropped   prometheus.Counter
	UnicastDelivered   prometheus.Counter
	UnicastDropped     prometheus.Counter

	SubscriptionChurn   prometheus.Counter
	NotificationChurn   prometheus.Counter
	StaleTopicsNotified prometheus.Counter

	OutboxFull   prometheus.Counter
	RateLimited  prometheus.Counter
	FrameErrors  prometheus.Counter
	AuthFailures prometheus.Counter

	HostCPUPercent prometheus.Gauge
	HostMemBytes   prometheus.Gauge
}

// NewRegistry creates every collector against a private Prometheus registry.
func NewRegistry() *Registry {
	inner := prometheus.NewRegistry()
	factory := promauto.With(inner)
	return &Registry{
		inner: inner,

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_connections_active",
			Help: "Number of currently connected clients.",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_accept_errors_total",
			Help: "Total TCP/TLS listener accept failures.",
		}),
		MulticastDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_multicast_delivered_total",
			Help: "Total multicast deliveries made to subscribers.",
		}),
		MulticastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_multicast_dropped_total",
			Help: "Total multicast deliveries skipped by entitlement filtering (full-outbox drops are counted in squawkbus_outbox_full_total).",
		}),
		UnicastDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_unicast_delivered_total",
			Help: "Total unicast deliveries made.",
		}),
		UnicastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_unicast_dropped_total",
			Help: "Total unicast deliveries skipped by entitlement filtering or unknown destination (full-outbox drops are counted in squawkbus_outbox_full_total).",
		}),
		SubscriptionChurn: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_subscription_changes_total",
			Help: "Total subscription add/remove transitions processed.",
		}),
		NotificationChurn: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_notification_changes_total",
			Help: "Total notification register/deregister transitions processed.",
		}),
		StaleTopicsNotified: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_stale_topics_total",
			Help: "Total stale-topic notifications emitted on publisher disconnect.",
		}),
		OutboxFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_outbox_full_total",
			Help: "Total deliveries dropped because a recipient's outbound channel was full.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_rate_limited_total",
			Help: "Total connections closed for exceeding the inbound frame rate limit.",
		}),
		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_frame_errors_total",
			Help: "Total malformed-frame or oversize-frame connection closures.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "squawkbus_auth_failures_total",
			Help: "Total handshake authentication failures.",
		}),
		HostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_host_cpu_percent",
			Help: "Host CPU utilization percentage, sampled periodically.",
		}),
		HostMemBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "squawkbus_host_memory_used_bytes",
			Help: "Host resident memory usage in bytes, sampled periodically.",
		}),
	}
}

// Handler returns the HTTP handler to mount at the metrics endpoint, scoped
// to this Registry's private collector set.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.inner, promhttp.HandlerOpts{})
}
