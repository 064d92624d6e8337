package token

import "github.com/prometheus/client_golang/prometheus"

var verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "oidcbff_token_verifications_total",
	Help: "Token verifications by outcome.",
}, []string{"result"})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{verifications}
}
