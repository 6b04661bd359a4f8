package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proxyaudit/proxyaudit/internal/collector"
	"github.com/proxyaudit/proxyaudit/internal/config"
)

// StatsSource yields the collector counters for the health endpoint.
type StatsSource func() collector.StatsSnapshot

// Server wraps the HTTP server and mux for the node surface.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the routes. registry must already carry the metrics
// exporter; runtime may be nil to disable the config routes.
func NewServer(
	listenAddress string,
	port int,
	stats StatsSource,
	registry *prometheus.Registry,
	runtime *config.Manager,
) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz(stats))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if runtime != nil {
		mux.Handle("GET /api/v1/config", HandleGetConfig(runtime))
		mux.Handle("PUT /api/v1/config", HandleUpdateConfig(runtime))
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server
// stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
