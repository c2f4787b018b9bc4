package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

var serverStartTime = time.Now()

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Zap pipeline metrics
var (
	zapAttemptsTotal       atomic.Int64
	zapSettledTotal        atomic.Int64
	zapReceiptsTotal       atomic.Int64
	relayPublishFailsTotal atomic.Int64
)

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
)

// metricsHandler serves Prometheus-compatible metrics.
func metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP zap_gateway_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE zap_gateway_build_info gauge\n")
	fmt.Fprintf(w, "zap_gateway_build_info{cache_backend=%q,go_version=%q} 1\n\n", cacheBackendType, runtime.Version())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
	fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
	fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

	fmt.Fprintf(w, "# HELP zap_attempts_total Zap settlements started\n")
	fmt.Fprintf(w, "# TYPE zap_attempts_total counter\n")
	fmt.Fprintf(w, "zap_attempts_total %d\n\n", zapAttemptsTotal.Load())

	fmt.Fprintf(w, "# HELP zap_settled_total Zaps that produced an invoice\n")
	fmt.Fprintf(w, "# TYPE zap_settled_total counter\n")
	fmt.Fprintf(w, "zap_settled_total %d\n\n", zapSettledTotal.Load())

	fmt.Fprintf(w, "# HELP zap_receipts_total Zap receipts confirmed on relays\n")
	fmt.Fprintf(w, "# TYPE zap_receipts_total counter\n")
	fmt.Fprintf(w, "zap_receipts_total %d\n\n", zapReceiptsTotal.Load())

	fmt.Fprintf(w, "# HELP relay_publish_failures_total Publishes no relay accepted\n")
	fmt.Fprintf(w, "# TYPE relay_publish_failures_total counter\n")
	fmt.Fprintf(w, "relay_publish_failures_total %d\n\n", relayPublishFailsTotal.Load())

	hits, misses := cacheHitsTotal.Load(), cacheMissesTotal.Load()
	fmt.Fprintf(w, "# HELP cache_hits_total Total cache hits\n")
	fmt.Fprintf(w, "# TYPE cache_hits_total counter\n")
	fmt.Fprintf(w, "cache_hits_total %d\n\n", hits)

	fmt.Fprintf(w, "# HELP cache_misses_total Total cache misses\n")
	fmt.Fprintf(w, "# TYPE cache_misses_total counter\n")
	fmt.Fprintf(w, "cache_misses_total %d\n\n", misses)

	var hitRatio float64
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}
	fmt.Fprintf(w, "# HELP cache_hit_ratio Cache hit ratio (0-1)\n")
	fmt.Fprintf(w, "# TYPE cache_hit_ratio gauge\n")
	fmt.Fprintf(w, "cache_hit_ratio %.4f\n", hitRatio)
}
