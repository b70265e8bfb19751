package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for provisioning runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	activeRuns   prometheus.Gauge

	// Step metrics
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Readiness metrics
	pollAttempts *prometheus.CounterVec

	// Rollback metrics
	rollbackItems *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of provisioning runs started",
			},
			[]string{"workflow"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of provisioning runs finished, by final state",
			},
			[]string{"workflow", "state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs in progress",
			},
		),

		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of steps executed, by outcome",
			},
			[]string{"kind", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of steps including readiness wait, in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Total number of readiness status checks",
			},
			[]string{"kind", "result"},
		),

		rollbackItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_deletions_total",
				Help:      "Total number of rollback deletion attempts, by outcome",
			},
			[]string{"kind", "outcome"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.steps,
		m.stepDuration,
		m.pollAttempts,
		m.rollbackItems,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(workflow string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished records a finished run with its final state and duration.
func (m *Metrics) RecordRunFinished(workflow, state string, duration time.Duration) {
	if m.runsFinished == nil {
		return
	}
	m.runsFinished.WithLabelValues(workflow, state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Step Metrics

// RecordStep records a finished step.
func (m *Metrics) RecordStep(kind, outcome string, duration time.Duration) {
	if m.steps == nil {
		return
	}
	m.steps.WithLabelValues(kind, outcome).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPollAttempt records one readiness status check. Result is the
// reported status, or "error" when the check failed.
func (m *Metrics) RecordPollAttempt(kind, result string) {
	if m.pollAttempts == nil {
		return
	}
	m.pollAttempts.WithLabelValues(kind, result).Inc()
}

// RecordRollbackItem records one rollback deletion attempt.
func (m *Metrics) RecordRollbackItem(kind, outcome string) {
	if m.rollbackItems == nil {
		return
	}
	m.rollbackItems.WithLabelValues(kind, outcome).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics on
// ListenAddress. It returns a nil server when there is nothing to serve.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}

// StopMetricsServer shuts down a server returned by StartMetricsServer.
func StopMetricsServer(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
