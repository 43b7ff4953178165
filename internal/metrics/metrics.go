// Package metrics collects process-wide Prometheus metrics shared across
// packages that don't otherwise own a circuit breaker (session cache,
// pricing). Circuit-breaker-specific metrics live next to their owner in
// internal/circuitbreaker instead of here. Only PricingFallbacks is
// updated (by internal/pricing); nothing in the module sets or increments
// the session-cache metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionCacheSize tracks the number of sessions currently held in the
	// in-process authoritative cache.
	SessionCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_session_cache_size",
		Help: "Number of sessions currently resident in the in-process cache",
	})

	SessionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_session_cache_hits_total",
		Help: "Session lookups served from the in-process cache",
	})

	SessionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_session_cache_misses_total",
		Help: "Session lookups that fell through to the backing store",
	})

	SessionCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_session_cache_evictions_total",
		Help: "Sessions evicted from the in-process cache under memory pressure",
	})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_created_total",
		Help: "Sessions created",
	})

	SessionFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_session_flushes_total",
		Help: "Session write-back flush attempts by result",
	}, []string{"result"})

	SessionMergeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_session_merge_conflicts_total",
		Help: "Three-way merges that found a real conflict between local and remote edits",
	})

	// PricingFallbacks counts cost-model lookups that fell back to a
	// default or failed to resolve a rate for a requested model.
	PricingFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_pricing_fallbacks_total",
		Help: "Pricing lookups that fell back to a default or unknown-model path",
	}, []string{"reason"})
)
