package proxy

import "github.com/prometheus/client_golang/prometheus"

var (
	failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "proxy",
		Name:      "failovers_total",
		Help:      "Number of replacement instances staged after losing the bound instance",
	}, []string{"service"})

	unavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "proxy",
		Name:      "unavailable_total",
		Help:      "Number of calls that failed with service unavailable",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(
		failovers,
		unavailable)
}
