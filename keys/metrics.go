package keys

import "github.com/prometheus/client_golang/prometheus"

var (
	fetchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oidcbff_keyset_fetch_total",
		Help: "Key set downloads by result.",
	}, []string{"result"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oidcbff_keyset_cache_lookups_total",
		Help: "Key set cache lookups by result (hit or miss).",
	}, []string{"result"})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{fetchResults, cacheLookups}
}
