// Package resilience wraps outbound HTTP calls to dependent services with
// retries and a circuit breaker.
package resilience

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerOptions configures the circuit breaker guarding one remote service
type BreakerOptions struct {
	// MinRequests is the number of requests observed before the failure ratio is considered
	MinRequests uint32
	// FailureRatio at or above which the breaker opens
	FailureRatio float64
	// OpenTimeout is how long the breaker stays open before letting a probe through
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open
	HalfOpenRequests uint32
}

// DefaultBreakerOptions opens after 5+ requests with at least half failing
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		MinRequests:      5,
		FailureRatio:     0.5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

func (o BreakerOptions) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < o.MinRequests || counts.Requests == 0 {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= o.FailureRatio
}

func newBreaker[T any](name string, opts BreakerOptions, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: opts.HalfOpenRequests,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: opts.readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}
