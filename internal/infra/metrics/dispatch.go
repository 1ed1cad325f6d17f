package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(dispatchTotal, rateLimited) }

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_total",
			Help: "Payload dispatches after redemption by dispatcher and result.",
		},
		[]string{"dispatcher", "result"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Redemption requests rejected by the rate limiter.",
		},
	)
)

func IncDispatch(dispatcher, result string) {
	dispatchTotal.WithLabelValues(norm(dispatcher), norm(result)).Inc()
}

func IncRateLimited() {
	rateLimited.Inc()
}
