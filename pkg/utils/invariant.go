// Invariants are conditions in code that must hold; a violation means there is a bug in memo itself.
// Think of what you'd `panic()` on, except the server keeps running: the violation is logged, a monitoring
// counter is incremented, and the caller still has to handle the erroneous case (usually with an early return).
//
// Do not raise invariants for conditions that depend on external factors; a failing bbolt read or a client sending
// garbage is not an invariant violation. A cached value that has a different type than the one its owner stores
// is, because only memo's own code writes into the cache.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "memo_invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records an invariant violation of `invariantType` inside `module`. Panics in test builds.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current number of violations recorded for `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	var metric = &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "error", err)
		return 0
	}
	return int(metric.Counter.GetValue())
}
