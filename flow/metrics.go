package flow

import "github.com/prometheus/client_golang/prometheus"

var exchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "oidcbff_provider_token_requests_total",
	Help: "Token endpoint calls by grant and result.",
}, []string{"grant", "result"})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{exchanges}
}
