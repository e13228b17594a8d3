package rtld

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Relocations          *prometheus.CounterVec
	RelocationFailures   *prometheus.CounterVec
	DescriptorsAllocated prometheus.Counter
	DescriptorChunks     *prometheus.CounterVec
	SymCacheHits         prometheus.Counter
	SymCacheMisses       prometheus.Counter
	JmpslotsPatched      prometheus.Counter
	JmpslotsSkipped      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtld_relocations_total",
			Help: "Total number of relocations applied",
		}, []string{"type"}),
		RelocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtld_relocation_failures_total",
			Help: "Total number of failed loader operations",
		}, []string{"kind"}),
		DescriptorsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_descriptors_allocated_total",
			Help: "Total number of function descriptors allocated",
		}),
		DescriptorChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtld_descriptor_chunks_total",
			Help: "Total number of descriptor chunks in use, by storage source",
		}, []string{"source"}),
		SymCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_symcache_hits_total",
			Help: "Total number of symbol lookups answered by the per-pass cache",
		}),
		SymCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_symcache_misses_total",
			Help: "Total number of symbol lookups forwarded to the resolver",
		}),
		JmpslotsPatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_jmpslots_patched_total",
			Help: "Total number of jump slots rewritten to a resolved target",
		}),
		JmpslotsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtld_jmpslots_skipped_total",
			Help: "Total number of jump slots already pointing at their target",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Relocations,
			m.RelocationFailures,
			m.DescriptorsAllocated,
			m.DescriptorChunks,
			m.SymCacheHits,
			m.SymCacheMisses,
			m.JmpslotsPatched,
			m.JmpslotsSkipped,
		)
	}

	return m
}
