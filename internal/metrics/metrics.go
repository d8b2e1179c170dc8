// Package metrics exports publish and delivery counters to Prometheus
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/rabbit-patterns/internal/rabbitmq"
)

const namespace = "harness"

// Collector records harness activity. It implements rabbitmq.Recorder and
// follows the broker session as a rabbitmq.ConnectionStateListener.
type Collector struct {
	registry *prometheus.Registry

	published  *prometheus.CounterVec
	settled    *prometheus.CounterVec
	processing *prometheus.HistogramVec
	connUp     prometheus.Gauge
	connLost   prometheus.Counter
}

var (
	_ rabbitmq.Recorder                = (*Collector)(nil)
	_ rabbitmq.ConnectionStateListener = (*Collector)(nil)
)

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published, by exchange.",
		}, []string{"exchange"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_settled_total",
			Help:      "Deliveries settled by consumers, by queue, consumer tag and outcome.",
		}, []string{"queue", "consumer", "outcome"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_processing_seconds",
			Help:      "Time from receiving a delivery to settling it.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"queue"}),
		connUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the broker session is open.",
		}),
		connLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_losses_total",
			Help:      "Broker sessions ended by the broker or the network.",
		}),
	}

	c.registry.MustRegister(
		c.published,
		c.settled,
		c.processing,
		c.connUp,
		c.connLost,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the registry the collector's metrics live in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// MessagePublished counts one publish; the default exchange is labelled "(default)"
func (c *Collector) MessagePublished(exchange string) {
	if exchange == "" {
		exchange = "(default)"
	}
	c.published.WithLabelValues(exchange).Inc()
}

// DeliverySettled counts a settled delivery and observes its processing time
func (c *Collector) DeliverySettled(queue, consumerTag string, outcome rabbitmq.Outcome, elapsed time.Duration) {
	c.settled.WithLabelValues(queue, consumerTag, string(outcome)).Inc()
	c.processing.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// OnConnected marks the session as up
func (c *Collector) OnConnected() {
	c.connUp.Set(1)
}

// OnDisconnected marks the session as down and counts it as lost unless it
// was closed gracefully
func (c *Collector) OnDisconnected(err error) {
	c.connUp.Set(0)
	if err != nil {
		c.connLost.Inc()
	}
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server exposes the metrics endpoint and whatever else the caller mounts
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr and serves mux in the background
func Listen(addr string, mux *http.ServeMux, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
