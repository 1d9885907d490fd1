// Package metrics provides Prometheus instrumentation for the Paygate gateway.
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
			Namespace: "paygate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paygate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// InvoicesCreatedTotal counts invoices admitted through plan capacity.
	InvoicesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "invoices_created_total",
		Help:      "Total invoices created.",
	})

	// InvoicesFinalizedTotal counts finalized invoices by outcome.
	InvoicesFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "invoices_finalized_total",
			Help:      "Total invoices finalized by outcome (success, refund, empty).",
		},
		[]string{"outcome"},
	)

	// AdmissionRejectionsTotal counts invoice creations rejected at plan capacity.
	AdmissionRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "admission_rejections_total",
		Help:      "Total invoice creations rejected because the receiver's plan was full.",
	})

	// DepositsTotal counts recorded escrow deposits by asset kind.
	DepositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "deposits_total",
			Help:      "Total escrow deposits recorded by asset kind (native, token).",
		},
		[]string{"kind"},
	)

	// RewardsDistributedTotal counts reward distribution rounds.
	RewardsDistributedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "rewards_distributed_total",
		Help:      "Total reward distribution rounds executed.",
	})

	// RewardsClaimedTotal counts successful reward claims.
	RewardsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "rewards_claimed_total",
		Help:      "Total successful reward claims.",
	})

	// ActiveInvoices tracks invoices currently awaiting settlement.
	ActiveInvoices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Name:      "active_invoices",
		Help:      "Number of invoices currently in the active set.",
	})

	// SettleScanDuration observes the ready-to-finalize scan latency.
	SettleScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Name:      "settle_scan_duration_seconds",
		Help:      "Duration of ready-to-finalize scans in seconds.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// EventStreamClients tracks connected realtime event subscribers.
	EventStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate", Name: "event_stream_clients",
		Help: "Number of connected WebSocket event subscribers.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		InvoicesCreatedTotal,
		InvoicesFinalizedTotal,
		AdmissionRejectionsTotal,
		DepositsTotal,
		RewardsDistributedTotal,
		RewardsClaimedTotal,
		ActiveInvoices,
		SettleScanDuration,
		DBOpenConnections,
		DBInUseConnections,
		EventStreamClients,
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
