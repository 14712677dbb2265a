// Package metrics exposes the token pool gauges in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Yvictor/tpp/internal/pool"
)

// NewRegistry builds a registry with the pool gauges registered. Each
// process builds its own registry rather than using the package-global one
// so tests can instantiate independent pools.
func NewRegistry(p *pool.Pool) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tpp",
			Name:      "tokens_total",
			Help:      "Total number of tokens in the pool",
		}, func() float64 { return float64(p.Snapshot().Total) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tpp",
			Name:      "tokens_in_use",
			Help:      "Number of tokens currently in use",
		}, func() float64 { return float64(p.Snapshot().InUse) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tpp",
			Name:      "tokens_available",
			Help:      "Number of tokens available",
		}, func() float64 { return float64(p.Snapshot().Available) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tpp",
			Name:      "requests_waiting",
			Help:      "Number of requests waiting for a token",
		}, func() float64 { return float64(p.Snapshot().Waiting) }),
	)

	return reg
}
