package hashring

import "github.com/prometheus/client_golang/prometheus"

var (
	ringSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "svccore",
		Subsystem: "hashring",
		Name:      "size",
		Help:      "Number of positions in the observed hashring",
	}, []string{"service"})

	ringChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "hashring",
		Name:      "changes_total",
		Help:      "Number of observed hashring membership changes",
	}, []string{"service"})

	observerPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "hashring",
		Name:      "observer_panics_total",
		Help:      "Number of panics recovered in hashring observers",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(
		ringSize,
		ringChanges,
		observerPanics)
}
