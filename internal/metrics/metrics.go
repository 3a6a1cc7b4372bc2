// Package metrics exposes the proxy's ambient observability surface: a
// small set of Prometheus counters and gauges served from an admin
// HTTP endpoint, grounded on the client_golang usage elsewhere in the
// retrieved pack (caddyserver/caddy) and mirroring the shape of the
// Prometheus-text Collector in the Polqt meshproxy reference project,
// rebuilt here on the real client_golang registry instead of a
// hand-rolled text formatter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the session engine reports.
type Collector struct {
	SessionsStarted prometheus.Counter
	SessionsFailed  prometheus.Counter
	SessionsSpliced prometheus.Counter
	BackendsBanned  prometheus.Counter
	BytesSpliced    prometheus.Counter
	ActiveSessions  prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector builds a Collector with a private registry (so repeated
// construction in tests doesn't collide with the default global one).
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainproxy_sessions_started_total",
			Help: "Total client sessions accepted.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainproxy_sessions_failed_total",
			Help: "Sessions that ended in a 503 or an abort before splicing began.",
		}),
		SessionsSpliced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainproxy_sessions_spliced_total",
			Help: "Sessions that reached bidirectional splice.",
		}),
		BackendsBanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainproxy_backends_banned_total",
			Help: "Backend addresses inserted into the ban set.",
		}),
		BytesSpliced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainproxy_bytes_spliced_total",
			Help: "Total bytes copied in either direction during splice.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainproxy_active_sessions",
			Help: "Sessions currently in flight.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		c.SessionsStarted,
		c.SessionsFailed,
		c.SessionsSpliced,
		c.BackendsBanned,
		c.BytesSpliced,
		c.ActiveSessions,
	)
	return c
}

// Handler returns an http.Handler serving the collector's metrics in
// the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
