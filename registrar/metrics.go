package registrar

import "github.com/prometheus/client_golang/prometheus"

var (
	registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "registrar",
		Name:      "registrations_total",
		Help:      "Number of successful service registrations",
	}, []string{"service"})

	deferrals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "registrar",
		Name:      "deferrals_total",
		Help:      "Number of registrations deferred to the retry queue",
	}, []string{"service"})

	drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "registrar",
		Name:      "drops_total",
		Help:      "Number of deferred registrations dropped",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(
		registrations,
		deferrals,
		drops)
}
