// Package metrics provides Prometheus instrumentation for the payment saga engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagapay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sagapay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SagasTotal counts saga status transitions.
	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagapay",
			Name:      "sagas_total",
			Help:      "Total saga status transitions by status.",
		},
		[]string{"status"},
	)

	// StepsTotal counts forward step executions by step name and outcome.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagapay",
			Name:      "saga_steps_total",
			Help:      "Total saga step executions by step name and outcome.",
		},
		[]string{"step", "outcome"},
	)

	// StepRetriesTotal counts step retry attempts.
	StepRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sagapay",
		Name:      "saga_step_retries_total",
		Help:      "Total step retry attempts consumed.",
	})

	// CompensationsTotal counts compensation actions by action and result.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagapay",
			Name:      "compensations_total",
			Help:      "Total compensation actions executed by action and result.",
		},
		[]string{"action", "result"},
	)

	// WebhooksTotal counts inbound webhook deliveries by provider and disposition.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagapay",
			Name:      "webhooks_total",
			Help:      "Inbound webhook deliveries by provider and disposition.",
		},
		[]string{"provider", "disposition"},
	)

	// RiskDecisionsTotal counts risk validator recommendations.
	RiskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sagapay",
			Name:      "risk_decisions_total",
			Help:      "Risk validator recommendations by action.",
		},
		[]string{"action"},
	)

	// RiskDegradedTotal counts validator runs that fell back to the
	// conservative default because a collaborator call failed.
	RiskDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sagapay",
		Name:      "risk_degraded_total",
		Help:      "Risk validator runs degraded by collaborator failure.",
	})

	// SagaDuration observes time from saga creation to terminal status.
	SagaDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sagapay",
		Name:      "saga_duration_seconds",
		Help:      "Time from saga creation to terminal status in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600, 86400},
	})

	// ActiveSagas tracks sagas currently in a non-terminal state.
	ActiveSagas = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sagapay",
		Name:      "active_sagas",
		Help:      "Number of sagas currently in a non-terminal state.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sagapay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sagapay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sagapay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sagapay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SagasTotal,
		StepsTotal,
		StepRetriesTotal,
		CompensationsTotal,
		WebhooksTotal,
		RiskDecisionsTotal,
		RiskDegradedTotal,
		SagaDuration,
		ActiveSagas,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
