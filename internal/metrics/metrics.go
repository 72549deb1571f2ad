// Package metrics exposes daemon-wide Prometheus collectors. Only current
// state is surfaced; nothing here persists history.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Transitions *prometheus.CounterVec
	Crashes     prometheus.Counter
	Rejected    prometheus.Counter
	Installs    *prometheus.CounterVec
	Transfers   *prometheus.CounterVec
	Servers     *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spielwart_state_transitions_total",
			Help: "Accepted lifecycle transitions by resulting power state.",
		}, []string{"state"}),
		Crashes: factory.NewCounter(prometheus.CounterOpts{
			Name: "spielwart_crashes_total",
			Help: "Unexpected container exits.",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "spielwart_commands_rejected_total",
			Help: "Commands rejected as invalid transitions.",
		}),
		Installs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spielwart_installs_total",
			Help: "Install pipeline outcomes.",
		}, []string{"outcome"}),
		Transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spielwart_transfers_total",
			Help: "Transfer saga outcomes.",
		}, []string{"outcome"}),
		Servers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spielwart_servers",
			Help: "Managed servers by current power state.",
		}, []string{"state"}),
	}
}

// Default uses the global registry.
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
