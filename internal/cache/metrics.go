package cache

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts cache outcomes. The atomic fields are always maintained; the
// Prometheus counters are populated once Register has been called.
type Metrics struct {
	Hits                 atomic.Uint64
	Misses               atomic.Uint64
	ComputeErrors        atomic.Uint64
	StoreErrors          atomic.Uint64
	Evictions            atomic.Uint64
	InvalidationFailures atomic.Uint64
	DiscardedWrites      atomic.Uint64

	hitsCounter                 prometheus.Counter
	missesCounter               prometheus.Counter
	computeErrorsCounter        prometheus.Counter
	storeErrorsCounter          prometheus.Counter
	evictionsCounter            prometheus.Counter
	invalidationFailuresCounter prometheus.Counter
	discardedWritesCounter      prometheus.Counter

	registerOnce sync.Once
}

// Register registers the Prometheus counters with registry. A nil registry is a
// no-op and repeated calls after the first are ignored.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.hitsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "petitions_cache_hits_total",
			Help: "Total number of read-through cache hits",
		})
		m.missesCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "petitions_cache_misses_total",
			Help: "Total number of read-through cache misses",
		})
		m.computeErrorsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "petitions_cache_compute_errors_total",
			Help: "Total number of misses whose computation failed",
		})
		m.storeErrorsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "petitions_cache_store_errors_total",
			Help: "Total number of cache store reads or writes that failed",
		})
		m.evictionsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "petitions_cache_evictions_total",
			Help: "Total number of entries removed by invalidation",
		})
		m.invalidationFailuresCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "petitions_cache_invalidation_failures_total",
			Help: "Total number of invalidation steps that failed",
		})
		m.discardedWritesCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "petitions_cache_discarded_writes_total",
			Help: "Total number of computed entries not kept because an invalidation overlapped them",
		})
	})
}

func (m *Metrics) incHit() {
	if m == nil {
		return
	}
	m.Hits.Add(1)
	if m.hitsCounter != nil {
		m.hitsCounter.Inc()
	}
}

func (m *Metrics) incMiss() {
	if m == nil {
		return
	}
	m.Misses.Add(1)
	if m.missesCounter != nil {
		m.missesCounter.Inc()
	}
}

func (m *Metrics) incComputeError() {
	if m == nil {
		return
	}
	m.ComputeErrors.Add(1)
	if m.computeErrorsCounter != nil {
		m.computeErrorsCounter.Inc()
	}
}

func (m *Metrics) incStoreError() {
	if m == nil {
		return
	}
	m.StoreErrors.Add(1)
	if m.storeErrorsCounter != nil {
		m.storeErrorsCounter.Inc()
	}
}

func (m *Metrics) addEvictions(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.Evictions.Add(uint64(count))
	if m.evictionsCounter != nil {
		m.evictionsCounter.Add(float64(count))
	}
}

func (m *Metrics) incInvalidationFailure() {
	if m == nil {
		return
	}
	m.InvalidationFailures.Add(1)
	if m.invalidationFailuresCounter != nil {
		m.invalidationFailuresCounter.Inc()
	}
}

func (m *Metrics) incDiscardedWrite() {
	if m == nil {
		return
	}
	m.DiscardedWrites.Add(1)
	if m.discardedWritesCounter != nil {
		m.discardedWritesCounter.Inc()
	}
}
