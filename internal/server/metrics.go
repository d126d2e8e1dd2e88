package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	claimsTotal      *prometheus.CounterVec
	withdrawalsTotal *prometheus.CounterVec
	instancesTotal   prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merkledrop_claims_total",
		Help: "Total number of claim attempts",
	}, []string{"status"})

	withdrawals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merkledrop_withdrawals_total",
		Help: "Total number of withdrawal attempts by authorization path",
	}, []string{"path", "status"})

	instances := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "merkledrop_instances_total",
		Help: "Number of registered distributor instances",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(claims, withdrawals, instances)

	return &metricsRegistry{
		registry:         r,
		claimsTotal:      claims,
		withdrawalsTotal: withdrawals,
		instancesTotal:   instances,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incClaim(status string) {
	m.claimsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incWithdrawal(path, status string) {
	m.withdrawalsTotal.WithLabelValues(path, status).Inc()
}

func (m *metricsRegistry) setInstances(count int) {
	m.instancesTotal.Set(float64(count))
}
