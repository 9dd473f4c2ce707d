// Package resilience provides the exponential-backoff retry helper
// used anywhere this module calls out to something that can fail
// transiently (principally the node-agent RPC client): retry policy,
// jittered exponential backoff, context-cancellable waits. Metrics
// recording is wired through internal/metrics.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RetryPolicy configures WithRetry's backoff behavior.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// OperationName labels the prometheus counter, if Metrics is set.
	OperationName string
	Metrics       *prometheus.CounterVec
}

// DefaultRetryPolicy returns the module's default backoff settings.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithRetry runs operation, retrying on error with exponential backoff
// until policy.MaxRetries is exhausted or ctx is cancelled.
func WithRetry(ctx context.Context, policy *RetryPolicy, operation func(ctx context.Context) error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	delay := policy.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := operation(ctx)
		if err == nil {
			recordOutcome(policy, "success")
			return nil
		}
		lastErr = err
		recordOutcome(policy, "retry")

		if attempt == policy.MaxRetries {
			break
		}

		wait := delay
		if policy.Jitter {
			wait += time.Duration(rand.Int63n(int64(delay) / 10 + 1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	recordOutcome(policy, "exhausted")
	return lastErr
}

func recordOutcome(policy *RetryPolicy, outcome string) {
	if policy.Metrics == nil {
		return
	}
	name := policy.OperationName
	if name == "" {
		name = "unknown"
	}
	policy.Metrics.WithLabelValues(name, outcome).Inc()
}
