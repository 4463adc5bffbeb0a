package gravel

import (
	"github.com/prometheus/client_golang/prometheus"
)

// dbMetrics counts background activity. Registration is optional: with no
// Registerer configured the counters still update, they are just never
// scraped.
type dbMetrics struct {
	flushes          prometheus.Counter
	flushedBytes     prometheus.Counter
	compactions      prometheus.Counter
	compactedBytes   prometheus.Counter
	writeStalls      prometheus.Counter
	obsoleteDeletes  prometheus.Counter
	blockCacheHits   prometheus.CounterFunc
	blockCacheMisses prometheus.CounterFunc
}

func newDBMetrics(reg prometheus.Registerer, cacheHits, cacheMisses func() float64) *dbMetrics {
	m := &dbMetrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gravel", Name: "flushes_total",
			Help: "Memtable flushes completed.",
		}),
		flushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gravel", Name: "flushed_bytes_total",
			Help: "Bytes written to level-0 tables by flushes.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gravel", Name: "compactions_total",
			Help: "Background compactions completed.",
		}),
		compactedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gravel", Name: "compacted_bytes_total",
			Help: "Bytes read as compaction input.",
		}),
		writeStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gravel", Name: "write_stalls_total",
			Help: "Writes stalled waiting for level 0 to drain.",
		}),
		obsoleteDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gravel", Name: "obsolete_files_deleted_total",
			Help: "Table and log files removed after falling out of the live version.",
		}),
		blockCacheHits: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gravel", Name: "block_cache_hits_total",
			Help: "Block cache hits.",
		}, cacheHits),
		blockCacheMisses: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gravel", Name: "block_cache_misses_total",
			Help: "Block cache misses.",
		}, cacheMisses),
	}
	if reg != nil {
		reg.MustRegister(
			m.flushes, m.flushedBytes,
			m.compactions, m.compactedBytes,
			m.writeStalls, m.obsoleteDeletes,
			m.blockCacheHits, m.blockCacheMisses,
		)
	}
	return m
}
