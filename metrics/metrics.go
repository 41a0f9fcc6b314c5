// Package metrics exposes Prometheus counters for the agent proxy and a
// small sidecar server that serves them on a dedicated listen address.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts handled API requests by route and status code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_proxy_requests_total",
		Help: "API requests handled, by route and status code.",
	}, []string{"route", "status"})

	// SignaturesTotal counts exchange actions signed by the enclave key.
	SignaturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_proxy_signatures_total",
		Help: "Exchange actions signed with an agent key.",
	})

	// UpstreamErrorsTotal counts transport-level upstream failures.
	UpstreamErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_proxy_upstream_errors_total",
		Help: "Upstream forwards that failed at the transport level.",
	})

	// SessionsActive tracks the number of provisioned sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_proxy_sessions_active",
		Help: "Provisioned agent sessions.",
	})
)

// MetricsServer serves the Prometheus endpoint on its own address.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name and address.
func New(name, listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
