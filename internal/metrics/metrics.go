package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
)

// Metrics owns the worker's Prometheus registry and the HTTP endpoint it is
// scraped from.
type Metrics struct {
	cfg      config.PrometheusConfig
	registry *prometheus.Registry
	logger   zerolog.Logger

	// HandleMessageDuration observes the wall time spent handling one queue
	// message end to end, including persistence and delivery.
	HandleMessageDuration prometheus.Histogram
	// BatchesProcessed counts completed batch outcomes by result.
	BatchesProcessed *prometheus.CounterVec
	// EmailsDelivered counts per-record delivery outcomes by result.
	EmailsDelivered *prometheus.CounterVec
}

// New builds the metric set on a private registry so tests can run several
// instances side by side.
func New(cfg config.PrometheusConfig, logger zerolog.Logger) *Metrics {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "metrics").Logger(),
		HandleMessageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "handle_message_duration",
			Help:    "Time to process one message",
			Buckets: prometheus.DefBuckets,
		}),
		BatchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_processed_total",
			Help: "Number of message batches processed, labelled by outcome.",
		}, []string{"result"}),
		EmailsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_delivered_total",
			Help: "Number of email delivery outcomes, labelled by result.",
		}, []string{"result"}),
	}
	registry.MustRegister(m.HandleMessageDuration, m.BatchesProcessed, m.EmailsDelivered)
	return m
}

// ObserveHandleMessage records the end to end handling time of one message.
func (m *Metrics) ObserveHandleMessage(seconds float64) {
	m.HandleMessageDuration.Observe(seconds)
}

// BatchResult counts one completed batch cycle by outcome.
func (m *Metrics) BatchResult(result string) {
	m.BatchesProcessed.WithLabelValues(result).Inc()
}

// DeliveryResult counts one per-record handling outcome.
func (m *Metrics) DeliveryResult(result string) {
	m.EmailsDelivered.WithLabelValues(result).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the scrape endpoint until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.cfg.Endpoint, m.Handler())

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(m.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info().
			Int("port", m.cfg.Port).
			Str("endpoint", m.cfg.Endpoint).
			Msg("metrics endpoint listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: serve: %w", err)
	}
}
