// Package telemetry wraps the process-wide Prometheus instruments used by
// the memory engine. When telemetry is disabled every method is a no-op and
// hot paths carry no instrument cost.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry owns the engine's metric instruments. A nil *Telemetry and a
// disabled one behave identically, so callers never need to guard calls.
type Telemetry struct {
	enabled  bool
	registry *prometheus.Registry

	searchLatency      *prometheus.HistogramVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	nodesSynced        prometheus.Counter
	evictionsSynced    prometheus.Counter
	jobsCompleted      *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
}

// New builds a Telemetry with its own registry. When enabled is false the
// instruments are never created and every method no-ops.
func New(enabled bool) *Telemetry {
	t := &Telemetry{enabled: enabled}
	if !enabled {
		return t
	}

	t.registry = prometheus.NewRegistry()

	t.searchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "robomem",
		Name:      "search_latency_seconds",
		Help:      "End-to-end search latency by strategy.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"strategy"})

	t.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robomem",
		Name:      "cache_hits_total",
		Help:      "Cache hits by cache name.",
	}, []string{"cache"})

	t.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robomem",
		Name:      "cache_misses_total",
		Help:      "Cache misses by cache name.",
	}, []string{"cache"})

	t.nodesSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robomem",
		Name:      "group_nodes_synced_total",
		Help:      "Nodes applied to peers via the group channel.",
	})

	t.evictionsSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "robomem",
		Name:      "group_evictions_synced_total",
		Help:      "Evictions applied to peers via the group channel.",
	})

	t.jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robomem",
		Name:      "jobs_completed_total",
		Help:      "Background jobs by kind and outcome.",
	}, []string{"job", "status"})

	t.breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robomem",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by breaker and target state.",
	}, []string{"breaker", "to"})

	t.registry.MustRegister(
		t.searchLatency, t.cacheHits, t.cacheMisses,
		t.nodesSynced, t.evictionsSynced, t.jobsCompleted,
		t.breakerTransitions,
	)

	return t
}

// Registry exposes the underlying registry for scraping; nil when disabled.
func (t *Telemetry) Registry() *prometheus.Registry {
	if t == nil || !t.enabled {
		return nil
	}
	return t.registry
}

// ObserveSearchLatency records one end-to-end search duration.
func (t *Telemetry) ObserveSearchLatency(strategy string, d time.Duration) {
	if t == nil || !t.enabled {
		return
	}
	t.searchLatency.WithLabelValues(strategy).Observe(d.Seconds())
}

// CacheHit increments the hit counter for the named cache.
func (t *Telemetry) CacheHit(cache string) {
	if t == nil || !t.enabled {
		return
	}
	t.cacheHits.WithLabelValues(cache).Inc()
}

// CacheMiss increments the miss counter for the named cache.
func (t *Telemetry) CacheMiss(cache string) {
	if t == nil || !t.enabled {
		return
	}
	t.cacheMisses.WithLabelValues(cache).Inc()
}

// NodeSynced counts one node applied to a peer via the group channel.
func (t *Telemetry) NodeSynced() {
	if t == nil || !t.enabled {
		return
	}
	t.nodesSynced.Inc()
}

// EvictionSynced counts eviction events applied to peers.
func (t *Telemetry) EvictionSynced(n int) {
	if t == nil || !t.enabled {
		return
	}
	t.evictionsSynced.Add(float64(n))
}

// JobCompleted counts a finished background job.
func (t *Telemetry) JobCompleted(job string, err error) {
	if t == nil || !t.enabled {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.jobsCompleted.WithLabelValues(job, status).Inc()
}

// BreakerTransition counts a circuit breaker state change.
func (t *Telemetry) BreakerTransition(breaker, to string) {
	if t == nil || !t.enabled {
		return
	}
	t.breakerTransitions.WithLabelValues(breaker, to).Inc()
}
