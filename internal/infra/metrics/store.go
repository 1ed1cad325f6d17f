package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(storeOps, storeOpDuration) }

var (
	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Record store operations by backend, operation and result.",
		},
		[]string{"backend", "op", "result"}, // op: read_all | replace_all ; result: ok | error | rolled_back
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Latency of record store operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// ObserveStoreOp records one store call. Usage:
//
//	defer metrics.ObserveStoreOp("file", "replace_all", time.Now(), &result)
func ObserveStoreOp(backend, op string, start time.Time, result *string) {
	res := "ok"
	if result != nil && *result != "" {
		res = *result
	}
	storeOps.WithLabelValues(norm(backend), norm(op), norm(res)).Inc()
	storeOpDuration.WithLabelValues(norm(backend), norm(op)).Observe(time.Since(start).Seconds())
}
