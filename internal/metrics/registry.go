package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the default Prometheus registerer/gatherer and serves it
// over HTTP as the hub's /metrics pull endpoint per spec.md §6
// ("Hub-side metrics"), beside the hub's ingest handlers. The
// package-level collectors in metrics.go are
// promauto-registered against the same default registry, so this type
// exists only to give callers an explicit handle to register extra
// collectors and to build the HTTP handler, matching the teacher's
// registry-wrapper shape.
type Registry struct{}

// NewRegistry returns a handle on the process's default metrics registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// MustRegister registers additional collectors with the default registry.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	prometheus.MustRegister(collectors...)
}

// Handler returns the HTTP handler serving the default registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
