// Package metrics exposes the sender's live diagnostics on an optional
// Prometheus endpoint, alongside the CSV cwnd log. Metrics are
// promauto-registered against a per-session registry and served by a
// dedicated HTTP server.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sender holds the gauges and counters a sender session updates.
type Sender struct {
	CwndBytes       prometheus.Gauge
	SsthreshBytes   prometheus.Gauge
	SRTTSeconds     prometheus.Gauge
	Retransmissions prometheus.Counter
}

// NewSender registers a fresh set of sender metrics. Each session gets its
// own prometheus.Registry rather than the global default, so repeated test
// runs in one process never collide on duplicate registration.
func NewSender() (*Sender, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Sender{
		CwndBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantumxfer",
			Subsystem: "sender",
			Name:      "cwnd_bytes",
			Help:      "Current congestion window in bytes.",
		}),
		SsthreshBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantumxfer",
			Subsystem: "sender",
			Name:      "ssthresh_bytes",
			Help:      "Current slow-start threshold in bytes.",
		}),
		SRTTSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantumxfer",
			Subsystem: "sender",
			Name:      "rtt_srtt_seconds",
			Help:      "Smoothed round-trip time estimate in seconds.",
		}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantumxfer",
			Subsystem: "sender",
			Name:      "retransmissions_total",
			Help:      "Total number of segment retransmissions (timeout or fast retransmit).",
		}),
	}, reg
}

// Server runs promhttp.Handler() on a debug HTTP port, off by default and
// enabled via the -metrics-addr flag.
type Server struct {
	httpServer *http.Server
}

// Serve starts listening in the background. Errors other than a clean
// shutdown are delivered to onError.
func Serve(addr string, reg *prometheus.Registry, onError func(error)) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s := &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			onError(fmt.Errorf("metrics server: %w", err))
		}
	}()
	return s
}

// Close shuts the metrics server down.
func (s *Server) Close(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
