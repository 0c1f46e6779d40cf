// Package metrics counts the traffic handled by the language server and
// optionally exposes it for Prometheus to scrape.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

// Request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeRejected  = "rejected"
	OutcomeNotFound  = "not_found"
	OutcomeCancelled = "cancelled"
)

// Notification directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	decodeErrorsTotal  *prometheus.CounterVec
	inFlight           prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iama_lsp_requests_total",
				Help: "Total number of JSON-RPC requests answered",
			},
			[]string{"method", "outcome"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iama_lsp_notifications_total",
				Help: "Total number of JSON-RPC notifications received or sent",
			},
			[]string{"direction", "method"},
		),
		decodeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iama_lsp_decode_errors_total",
				Help: "Total number of frames that could not be decoded",
			},
			[]string{"kind"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iama_lsp_in_flight",
			Help: "Number of requests currently being handled concurrently",
		}),
	}
	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.notificationsTotal,
		m.decodeErrorsTotal,
		m.inFlight,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Notification(direction, method string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(direction, method).Inc()
}

func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on l until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, log *slog.Logger, l net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to shut down metrics server", slog.Any("error", err))
		}
	}()
	log.Info("serving metrics", slog.String("addr", l.Addr().String()))
	if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
