package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth flow labels used by RecordAuthOutcome.
const (
	FlowSignIn       = "sign_in"
	FlowRefresh      = "refresh"
	FlowRevoke       = "revoke"
	FlowConfirmEmail = "confirm_email"
	FlowSendConfirm  = "send_confirmation"
	FlowRegister     = "register"
)

// MetricsSnapshot is a lightweight view over the collected counters.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	AuthSuccesses            uint64    `json:"auth_successes"`
	AuthFailures             uint64    `json:"auth_failures"`
	PersistenceConflicts     uint64    `json:"persistence_conflicts"`
	TokensIssued             uint64    `json:"tokens_issued"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	authOutcomes    *prometheus.CounterVec
	tokensIssued    prometheus.Counter
	conflicts       prometheus.Counter
	storeDuration   *prometheus.HistogramVec

	requestCount         uint64
	requestDurationTotal uint64
	authSuccessCount     uint64
	authFailureCount     uint64
	conflictCount        uint64
	tokensIssuedCount    uint64
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

	authOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_outcomes_total",
		Help: "Auth flow results by flow and outcome code",
	}, []string{"flow", "outcome"})

	tokensIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_tokens_issued_total",
		Help: "Refresh tokens minted by sign-in or rotation",
	})

	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credential_store_conflicts_total",
		Help: "Optimistic write conflicts observed against the credential store",
	})

	storeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credential_store_duration_seconds",
		Help:    "Duration of credential store calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, authOutcomes, tokensIssued, conflicts, storeDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		authOutcomes:    authOutcomes,
		tokensIssued:    tokensIssued,
		conflicts:       conflicts,
		storeDuration:   storeDuration,
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

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordAuthOutcome counts a finished auth flow. An empty outcome means success.
func (m *MetricsService) RecordAuthOutcome(flow, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
		atomic.AddUint64(&m.authSuccessCount, 1)
	} else {
		atomic.AddUint64(&m.authFailureCount, 1)
	}
	m.authOutcomes.WithLabelValues(flow, outcome).Inc()
}

// RecordTokenIssued counts a newly minted refresh token.
func (m *MetricsService) RecordTokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
	atomic.AddUint64(&m.tokensIssuedCount, 1)
}

// RecordConflict counts an optimistic concurrency conflict.
func (m *MetricsService) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
	atomic.AddUint64(&m.conflictCount, 1)
}

// ObserveStoreCall records credential store timing.
func (m *MetricsService) ObserveStoreCall(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Snapshot returns aggregated metrics suitable for a JSON summary endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		AuthSuccesses:            atomic.LoadUint64(&m.authSuccessCount),
		AuthFailures:             atomic.LoadUint64(&m.authFailureCount),
		PersistenceConflicts:     atomic.LoadUint64(&m.conflictCount),
		TokensIssued:             atomic.LoadUint64(&m.tokensIssuedCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
