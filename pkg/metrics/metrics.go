// Package metrics exposes the Prometheus registry used by the bulk engine.
// All metrics are defined in their respective packages (client, ratelimit,
// dispatcher) to maintain modularity and avoid circular dependencies.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - bulk_requests_total{operation, status} (Counter): Stack requests by operation and HTTP status
//   - bulk_request_duration_seconds{operation} (Histogram): Request duration by operation
//   - bulk_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - bulk_retries_total{error_class} (Counter): Retry attempts by error class
//   - bulk_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - bulk_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - bulk_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - bulk_rate_limit_cooldowns_total (Counter): Cooldowns started after 429 responses
//   - bulk_rate_limit_waits_total{reason} (Counter): Requests delayed by cooldown or throttle
//
// Dispatch Metrics (pkg/dispatcher):
//   - bulk_dispatch_items_total{dispatcher, status} (Counter): Work items processed
//   - bulk_dispatch_entities_total{dispatcher, status} (Counter): Entities processed
//   - bulk_dispatch_item_duration_seconds{dispatcher} (Histogram): Handler duration per item
//   - bulk_dispatch_inflight{dispatcher} (Gauge): Items being processed
//
// Example Prometheus Queries:
//
//   # Entity Failure Ratio
//   sum(rate(bulk_dispatch_entities_total{status="error"}[5m])) /
//   sum(rate(bulk_dispatch_entities_total[5m]))
//
//   # 429 Pressure
//   rate(bulk_errors_total{class="rate_limit"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(bulk_request_duration_seconds_bucket[5m]))
