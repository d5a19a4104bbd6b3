// Package metrics exposes the mixer and dispatcher's internal counters as
// Prometheus gauges/counters, scraped over HTTP when configured. It
// implements mixer.Observer so the mixer itself stays free of any
// metrics-library dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alxayo/rtmpjoin/internal/mixer"
)

// Registry bundles all metrics this server publishes.
type Registry struct {
	reg *prometheus.Registry

	tagsAdmitted *prometheus.CounterVec
	tagsDropped  *prometheus.CounterVec
	outputTs     *prometheus.GaugeVec
	connections  prometheus.Gauge
	rejections   *prometheus.CounterVec
}

// New builds a fresh metrics registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		tagsAdmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpjoin_mixer_tags_admitted_total",
			Help: "Number of media tags admitted by the mixer, by track.",
		}, []string{"track"}),
		tagsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpjoin_mixer_tags_dropped_total",
			Help: "Number of media tags dropped by the mixer, by track.",
		}, []string{"track"}),
		outputTs: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtmpjoin_mixer_output_timestamp_ms",
			Help: "Current mixer output timestamp, by track.",
		}, []string{"track"}),
		connections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rtmpjoin_dispatcher_connections",
			Help: "Current number of active RTMP connections.",
		}),
		rejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpjoin_dispatcher_connections_rejected_total",
			Help: "Connections rejected, by reason.",
		}, []string{"reason"}),
	}
	return r
}

// ObserveAdmit implements mixer.Observer.
func (r *Registry) ObserveAdmit(track string, _ mixer.SourceID, outputTs int32) {
	r.tagsAdmitted.WithLabelValues(track).Inc()
	r.outputTs.WithLabelValues(track).Set(float64(outputTs))
}

// ObserveDrop implements mixer.Observer.
func (r *Registry) ObserveDrop(track string, _ mixer.SourceID) {
	r.tagsDropped.WithLabelValues(track).Inc()
}

// SetConnectionCount records the current connection count.
func (r *Registry) SetConnectionCount(n int) { r.connections.Set(float64(n)) }

// ObserveRejection records a connection rejected for reason (e.g.
// "cap_exceeded", "rate_limited").
func (r *Registry) ObserveRejection(reason string) { r.rejections.WithLabelValues(reason).Inc() }

// Handler returns the HTTP handler to mount for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
