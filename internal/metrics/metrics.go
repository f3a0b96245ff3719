// Package metrics owns the prometheus collectors shared by the client core and the
// reference server. Every method is nil-safe so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geomemo"

// Collectors groups the counters exported by geomemo components.
type Collectors struct {
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheEvictions  prometheus.Counter
	cacheDiscarded  prometheus.Counter
	regionLoads     *prometheus.CounterVec
	remoteFetches   prometheus.Counter
	reconciliations *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by tier.",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by tier.",
		}, []string{"tier"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Memory tier evictions.",
		}),
		cacheDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "discarded_blobs_total",
			Help:      "Durable blobs discarded for an unknown schema version or a decode failure.",
		}),
		regionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "regions",
			Name:      "loads_total",
			Help:      "Region loads by the source that satisfied them.",
		}, []string{"source"}),
		remoteFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "regions",
			Name:      "remote_fetches_total",
			Help:      "Region fetches issued to the remote store.",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notes",
			Name:      "reconciliations_total",
			Help:      "Background reconciliations by entity and outcome.",
		}, []string{"entity", "outcome"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped from replay buffers or subscriber queues.",
		}, []string{"bus", "reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "HTTP requests served by route and status code.",
		}, []string{"route", "status"}),
	}

	if registerer != nil {
		for _, collector := range []prometheus.Collector{
			c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheDiscarded,
			c.regionLoads, c.remoteFetches, c.reconciliations, c.eventsDropped, c.httpRequests,
		} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// CacheHit counts a hit in tier.
func (c *Collectors) CacheHit(tier string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(tier).Inc()
}

// CacheMiss counts a miss in tier.
func (c *Collectors) CacheMiss(tier string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// CacheEviction counts a memory tier eviction.
func (c *Collectors) CacheEviction() {
	if c == nil {
		return
	}
	c.cacheEvictions.Inc()
}

// CacheDiscard counts a discarded durable blob.
func (c *Collectors) CacheDiscard() {
	if c == nil {
		return
	}
	c.cacheDiscarded.Inc()
}

// RegionLoad counts a region load satisfied by source.
func (c *Collectors) RegionLoad(source string) {
	if c == nil {
		return
	}
	c.regionLoads.WithLabelValues(source).Inc()
}

// RemoteFetch counts a region fetch sent to the remote store.
func (c *Collectors) RemoteFetch() {
	if c == nil {
		return
	}
	c.remoteFetches.Inc()
}

// Reconciliation counts a finished reconciliation.
func (c *Collectors) Reconciliation(entity, outcome string) {
	if c == nil {
		return
	}
	c.reconciliations.WithLabelValues(entity, outcome).Inc()
}

// EventDropped counts an event dropped by bus.
func (c *Collectors) EventDropped(bus, reason string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(bus, reason).Inc()
}

// HTTPRequest counts a served request.
func (c *Collectors) HTTPRequest(route, status string) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, status).Inc()
}

// RemoteFetchCounter exposes the fetch counter for assertions.
func (c *Collectors) RemoteFetchCounter() prometheus.Counter {
	return c.remoteFetches
}

// RegionLoadCounter exposes a per-source load counter for assertions.
func (c *Collectors) RegionLoadCounter(source string) prometheus.Counter {
	return c.regionLoads.WithLabelValues(source)
}

// CacheHitCounter exposes a per-tier hit counter for assertions.
func (c *Collectors) CacheHitCounter(tier string) prometheus.Counter {
	return c.cacheHits.WithLabelValues(tier)
}

// CacheEvictionCounter exposes the eviction counter for assertions.
func (c *Collectors) CacheEvictionCounter() prometheus.Counter {
	return c.cacheEvictions
}

// CacheDiscardCounter exposes the discarded blob counter for assertions.
func (c *Collectors) CacheDiscardCounter() prometheus.Counter {
	return c.cacheDiscarded
}

// HTTPRequestCounter exposes a per-route request counter for assertions.
func (c *Collectors) HTTPRequestCounter(route, status string) prometheus.Counter {
	return c.httpRequests.WithLabelValues(route, status)
}
