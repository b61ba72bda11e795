package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	statementJobs   *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reconciliation_invoices_total",
		Help: "Invoices touched by reconciliation runs, by outcome",
	}, []string{"outcome"})

	statementJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statement_jobs_total",
		Help: "Statement export jobs processed, by outcome",
	}, []string{"outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, reconciliations, statementJobs, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		reconciliations: reconciliations,
		statementJobs:   statementJobs,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveReconciliation counts the outcome of one reconciliation run.
func (m *MetricsService) ObserveReconciliation(generated, updated, failed int) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues("generated").Add(float64(generated))
	m.reconciliations.WithLabelValues("updated").Add(float64(updated))
	m.reconciliations.WithLabelValues("failed").Add(float64(failed))
}

// ObserveStatementJob counts a finished or failed export job.
func (m *MetricsService) ObserveStatementJob(outcome string) {
	if m == nil {
		return
	}
	m.statementJobs.WithLabelValues(outcome).Inc()
}
