// Package metrics exposes this service's Prometheus instrumentation:
// promauto counters/histograms under one namespace, plus small
// helper functions so callers never touch label ordering directly.
package metrics

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

var (
	// StoreOperationsTotal counts Store operations by kind and outcome.
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbmapi",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total store operations by operation, bucket, status",
		},
		[]string{"operation", "bucket", "status"},
	)

	// StoreOperationDuration tracks Store operation latency.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbmapi",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation", "bucket"},
	)

	// AuthOutcomesTotal counts HTTP-Signature authentication outcomes.
	AuthOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbmapi",
			Subsystem: "authn",
			Name:      "outcomes_total",
			Help:      "Total authentication attempts by algorithm family and outcome",
		},
		[]string{"algorithm", "outcome"}, // outcome: success, failure
	)

	// OrchestratorIterationsTotal counts orchestrator poll iterations.
	OrchestratorIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbmapi",
			Subsystem: "orchestrator",
			Name:      "iterations_total",
			Help:      "Total orchestrator poll iterations by outcome",
		},
		[]string{"outcome"}, // outcome: work_found, idle, error
	)

	// OrchestratorTransitionDuration tracks how long one transition
	// batch (lock through finish) takes end to end.
	OrchestratorTransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbmapi",
			Subsystem: "orchestrator",
			Name:      "transition_duration_seconds",
			Help:      "Duration of one processed recovery-configuration transition",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"action", "outcome"},
	)

	// OrchestratorTargetsTotal counts per-target task outcomes.
	OrchestratorTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbmapi",
			Subsystem: "orchestrator",
			Name:      "targets_total",
			Help:      "Total per-target task outcomes processed by the orchestrator",
		},
		[]string{"outcome"}, // outcome: complete, failed, error
	)

	// PrunerSweepsTotal counts pruner sweep cycles by outcome.
	PrunerSweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbmapi",
			Subsystem: "pruner",
			Name:      "sweeps_total",
			Help:      "Total pruner sweep cycles by phase and status",
		},
		[]string{"phase", "status"}, // phase: history, tokens, configs
	)

	// HTTPRequestsTotal counts HTTP requests served by the API surface.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbmapi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route, method, status",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbmapi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"route", "method"},
	)
)

// RecordStoreOperation records one Store call's outcome and duration.
func RecordStoreOperation(operation, bucket, status string, seconds float64) {
	StoreOperationsTotal.WithLabelValues(operation, bucket, status).Inc()
	StoreOperationDuration.WithLabelValues(operation, bucket).Observe(seconds)
}

// RecordAuthOutcome records one authentication attempt's outcome.
func RecordAuthOutcome(algorithm, outcome string) {
	AuthOutcomesTotal.WithLabelValues(algorithm, outcome).Inc()
}

// RecordOrchestratorIteration records one poll loop pass.
func RecordOrchestratorIteration(outcome string) {
	OrchestratorIterationsTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(route, method, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(seconds)
}

// Handler returns the /metrics endpoint: it gathers from the default
// registry under gatherTimeout and encodes the result as
// dto.MetricFamily values via expfmt's text encoder, rather than
// delegating straight to promhttp.Handler. A gather that exceeds the
// deadline is answered with 503. A gather error that still returned
// some families encodes those, and a family that fails to encode is
// skipped, so one bad family does not cost a scraper all the others.
func Handler(gatherTimeout time.Duration) http.Handler {
	if gatherTimeout <= 0 {
		gatherTimeout = 5 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), gatherTimeout)
		defer cancel()

		type gatherResult struct {
			families []*dto.MetricFamily
			err      error
		}
		done := make(chan gatherResult, 1)
		go func() {
			families, err := prometheus.DefaultGatherer.Gather()
			done <- gatherResult{families, err}
		}()

		var families []*dto.MetricFamily
		select {
		case <-ctx.Done():
			http.Error(w, "metrics gather timed out", http.StatusServiceUnavailable)
			return
		case res := <-done:
			families = res.families
			if res.err != nil && len(families) == 0 {
				http.Error(w, res.err.Error(), http.StatusInternalServerError)
				return
			}
		}

		buf := &bytes.Buffer{}
		encoder := expfmt.NewEncoder(buf, expfmt.FmtText)
		for _, mf := range families {
			if err := encoder.Encode(mf); err != nil {
				continue
			}
		}

		w.Header().Set("Content-Type", string(expfmt.FmtText))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	})
}
