// Package metrics exposes engine counters to Prometheus. A nil *Metrics is a
// valid no-op recorder.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "pricewatch"

// Metrics groups the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	fetches        *prometheus.CounterVec
	observations   *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	sendLatency    *prometheus.HistogramVec
	schedulerSkips *prometheus.CounterVec
	fetchInFlight  prometheus.Gauge
	queueDepth     prometheus.Gauge
	scheduled      prometheus.Gauge
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Price fetches by source and result.",
		}, []string{"source", "result"}),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Observations offered to the history store.",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_decisions_total",
			Help:      "Alert evaluation outcomes.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notification attempt transitions by channel.",
		}, []string{"channel", "status"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of a single channel send.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		schedulerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skips_total",
			Help:      "Due destinations not dispatched on a tick.",
		}, []string{"reason"}),
		fetchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_in_flight",
			Help:      "Fetch jobs currently running.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Attempts waiting for a dispatcher worker.",
		}),
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_destinations",
			Help:      "Destinations currently scheduled.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetches,
		m.observations,
		m.decisions,
		m.deliveries,
		m.sendLatency,
		m.schedulerSkips,
		m.fetchInFlight,
		m.queueDepth,
		m.scheduled,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FetchResult(source, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObservationStored(inserted bool) {
	if m == nil {
		return
	}
	result := "duplicate"
	if inserted {
		result = "inserted"
	}
	m.observations.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Delivery(channel, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) SendDuration(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) SchedulerSkip(reason string) {
	if m == nil {
		return
	}
	m.schedulerSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.fetchInFlight.Inc()
}

func (m *Metrics) FetchFinished() {
	if m == nil {
		return
	}
	m.fetchInFlight.Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetScheduled(n int) {
	if m == nil {
		return
	}
	m.scheduled.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes path on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger zerolog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("path", path).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
