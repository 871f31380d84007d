// Package metrics exposes Prometheus metrics for the scrape cycle.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/runewatch/internal/logger"
)

// Metrics holds all collectors on a private registry. A nil *Metrics is a
// valid no-op sink.
type Metrics struct {
	registry *prometheus.Registry

	Extractions     *prometheus.CounterVec
	Cycles          *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	Movements       *prometheus.CounterVec
	PersistFailures prometheus.Counter
	TrackedTokens   prometheus.Gauge
	LastCycle       prometheus.Gauge
}

// New registers all collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "runewatch"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "extractions_total",
			Help:      "Page extractions by profile and outcome",
		}, []string{"profile", "outcome"}),
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Scheduler cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a full scrape cycle",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		Movements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "movements_total",
			Help:      "Movement events by direction",
		}, []string{"direction"}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "persist_failures_total",
			Help:      "Failed writes of the price store",
		}),
		TrackedTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "tracked_tokens",
			Help:      "Number of tracked tokens",
		}),
		LastCycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cycle",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveExtraction counts one target outcome.
func (m *Metrics) ObserveExtraction(profile string, err error) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(profile, outcome(err)).Inc()
}

// ObserveCycle records a finished scheduler cycle.
func (m *Metrics) ObserveCycle(d time.Duration, tracked int, err error) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome(err)).Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.TrackedTokens.Set(float64(tracked))
	if err == nil {
		m.LastCycle.SetToCurrentTime()
	}
}

// ObserveMovement counts one movement event.
func (m *Metrics) ObserveMovement(direction string) {
	if m == nil {
		return
	}
	m.Movements.WithLabelValues(direction).Inc()
}

// ObservePersistFailure counts a failed store write.
func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped: %v", err)
		}
	}()
}
