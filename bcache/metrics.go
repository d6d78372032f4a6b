package bcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evictions  prometheus.Counter
	writebacks prometheus.Counter
}

// newMetrics creates the cache counters. With a nil registerer they are
// created but not registered anywhere.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "vfs_bcache_hits_total",
			Help: "Page lookups answered from the cache",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "vfs_bcache_misses_total",
			Help: "Page lookups that had to read the volume",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "vfs_bcache_evictions_total",
			Help: "Idle pages dropped to stay within capacity",
		}),
		writebacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "vfs_bcache_writebacks_total",
			Help: "Dirty pages written back to their volume",
		}),
	}
}
