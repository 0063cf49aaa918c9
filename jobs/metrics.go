package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "jobs",
		Name:      "claims_total",
		Help:      "Number of jobs claimed",
	}, []string{"owner"})

	completions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "jobs",
		Name:      "completions_total",
		Help:      "Number of jobs completed successfully",
	}, []string{"owner"})

	aborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svccore",
		Subsystem: "jobs",
		Name:      "aborts_total",
		Help:      "Number of jobs aborted",
	}, []string{"owner"})
)

func init() {
	prometheus.MustRegister(
		claims,
		completions,
		aborts)
}
