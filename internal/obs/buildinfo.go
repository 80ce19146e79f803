package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerBuildInfo sync.Once

// InitBuildInfo publishes a build_info gauge carrying the version and
// commit as labels, the usual way dashboards discover what is deployed.
func InitBuildInfo(version, commit string) {
	registerBuildInfo.Do(func() {
		g := prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Denticore API build information.",
			},
			[]string{"version", "commit"},
		)
		prometheus.MustRegister(g)
		g.WithLabelValues(version, commit).Set(1)
	})
}
