package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(buildInfo)
}

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "A constant metric with labels for version and storage backend.",
	},
	[]string{"version", "backend"},
)

func SetBuildInfo(version, backend string) {
	buildInfo.WithLabelValues(version, backend).Set(1)
}
