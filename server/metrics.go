package server

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"oidcbff/flow"
	"oidcbff/keys"
	"oidcbff/token"
	"oidcbff/users"
)

var logins = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "oidcbff_logins_total",
	Help: "Browser login steps by provider and result.",
}, []string{"provider", "result"})

var sessionRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "oidcbff_session_refreshes_total",
	Help: "Session refresh attempts by result.",
}, []string{"result"})

func newMetricsRegistry(logger *slog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		logins,
		sessionRefreshes,
	}
	all = append(all, keys.Collectors()...)
	all = append(all, token.Collectors()...)
	all = append(all, flow.Collectors()...)
	all = append(all, users.Collectors()...)

	for _, c := range all {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			logger.Warn("metric registration failed", "error", err)
		}
	}
	return reg
}
