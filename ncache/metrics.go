package ncache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	loads   prometheus.Counter
	entries prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		loads: factory.NewCounter(prometheus.CounterOpts{
			Name: "vfs_ncache_loads_total",
			Help: "Nodes requested from a driver",
		}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vfs_ncache_entries",
			Help: "Nodes currently cached, referenced or idle",
		}),
	}
}
