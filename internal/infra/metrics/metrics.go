// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(codesGenerated, codeRedemptions, codesRemoved, codesCurrent)
}

var (
	codesGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codes_generated_total",
			Help: "Codes issued by the registry.",
		},
	)

	codeRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "code_redemptions_total",
			Help: "Redemption attempts by result (accepted/exhausted/not_found/already_redeemed/invalid).",
		},
		[]string{"result"},
	)

	codesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codes_removed_total",
			Help: "Codes deleted through the registry.",
		},
	)

	codesCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codes_current",
			Help: "Codes currently held in memory per status.",
		},
		[]string{"status"}, // active | spent
	)
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Registry helpers --------

func AddGenerated(n int) {
	codesGenerated.Add(float64(n))
}

func IncRedemption(result string) {
	codeRedemptions.WithLabelValues(norm(result)).Inc()
}

func IncRemoved() {
	codesRemoved.Inc()
}

func SetCodeCounts(active, spent int) {
	codesCurrent.WithLabelValues("active").Set(float64(active))
	codesCurrent.WithLabelValues("spent").Set(float64(spent))
}
