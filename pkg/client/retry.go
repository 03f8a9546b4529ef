package client

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// 429 and 5xx responses both count against it.
	MaxAttempts int

	// BaseDelay scales the backoff: delay = BaseDelay * sqrt(2)^attempt.
	BaseDelay time.Duration

	// OnRetry, when set, is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 8,
		BaseDelay:   100 * time.Millisecond,
	}
}

// Delay returns the wait before retrying after the given failed attempt.
// It is non-decreasing in attempt.
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(math.Sqrt2, float64(attempt)))
}

// sqrt2Backoff is a backoff.BackOff yielding Delay(base, n) for the n-th retry.
type sqrt2Backoff struct {
	base    time.Duration
	attempt int
}

var _ backoff.BackOff = (*sqrt2Backoff)(nil)

func (b *sqrt2Backoff) NextBackOff() time.Duration {
	b.attempt++
	return Delay(b.base, b.attempt)
}

func (b *sqrt2Backoff) Reset() {
	b.attempt = 0
}
