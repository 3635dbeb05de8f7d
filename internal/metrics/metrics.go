// Package metrics implements the resilience engine's counter accumulator:
// plain atomic counters, a latency running sum, and a dirty-flag-gated
// snapshot cache so repeated reads with no intervening mutation are cheap.
package metrics

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is an immutable point-in-time view of the accumulator. Callers
// must not mutate a returned Snapshot.
type Snapshot struct {
	TotalCalls          int64
	SuccessfulCalls     int64
	FailedCalls         int64
	TotalRetries        int64
	CircuitBreakerTrips int64
	CacheHits           int64
	CacheMisses         int64
	AvgLatencyMs        int64
	MaxLatencyMs        int64
	MinLatencyMs        int64
	LastResetAt         time.Time
}

// Accumulator is the Metrics Accumulator (component A). All operations are
// infallible and safe for concurrent use. The zero value is not usable;
// construct with New.
type Accumulator struct {
	serviceName string

	totalCalls          atomic.Int64
	successfulCalls     atomic.Int64
	failedCalls         atomic.Int64
	totalRetries        atomic.Int64
	circuitBreakerTrips atomic.Int64
	cacheHits           atomic.Int64
	cacheMisses         atomic.Int64

	latencySumMs  atomic.Int64
	maxLatencyMs  atomic.Int64
	minLatencyMs  atomic.Int64 // stored as milliseconds, sentinel math.MaxInt64 when unset
	lastLatencyMs atomic.Int64 // most recent successful call's latency, for the health report

	dirty       atomic.Bool
	lastResetNs atomic.Int64
	snapshot    atomic.Pointer[Snapshot]
}

// New constructs an Accumulator for the named service. serviceName is used
// only as a Prometheus constant label.
func New(serviceName string) *Accumulator {
	a := &Accumulator{serviceName: serviceName}
	a.minLatencyMs.Store(math.MaxInt64)
	a.lastResetNs.Store(time.Now().UnixNano())
	a.dirty.Store(true)
	return a
}

// RecordCallStart marks the beginning of a user-facing call, independent of
// how many retry attempts it will take.
func (a *Accumulator) RecordCallStart() {
	a.totalCalls.Add(1)
	a.dirty.Store(true)
}

// RecordSuccess records a successful call and its observed latency.
func (a *Accumulator) RecordSuccess(latency time.Duration) {
	ms := latency.Milliseconds()
	a.successfulCalls.Add(1)
	a.latencySumMs.Add(ms)
	a.lastLatencyMs.Store(ms)

	for {
		cur := a.maxLatencyMs.Load()
		if ms <= cur {
			break
		}
		if a.maxLatencyMs.CompareAndSwap(cur, ms) {
			break
		}
	}
	for {
		cur := a.minLatencyMs.Load()
		if ms >= cur {
			break
		}
		if a.minLatencyMs.CompareAndSwap(cur, ms) {
			break
		}
	}
	a.dirty.Store(true)
}

// RecordFailure records a call that terminated without a successful
// response (after retries, if any, are exhausted).
func (a *Accumulator) RecordFailure() {
	a.failedCalls.Add(1)
	a.dirty.Store(true)
}

// RecordRetry records one retried attempt within a single user call.
func (a *Accumulator) RecordRetry() {
	a.totalRetries.Add(1)
	a.dirty.Store(true)
}

// RecordCircuitBreakerTrip records a circuit-breaker trip. The core never
// calls this itself; it exists for service-specific wrappers (see §9 Design
// Notes: "subclass-only hooks become explicit engine methods").
func (a *Accumulator) RecordCircuitBreakerTrip() {
	a.circuitBreakerTrips.Add(1)
	a.dirty.Store(true)
}

// RecordCacheHit records a fallback-cache read that returned a value.
func (a *Accumulator) RecordCacheHit() {
	a.cacheHits.Add(1)
	a.dirty.Store(true)
}

// RecordCacheMiss records a fallback-cache read that found nothing.
func (a *Accumulator) RecordCacheMiss() {
	a.cacheMisses.Add(1)
	a.dirty.Store(true)
}

// Reset zeroes all counters and marks the snapshot dirty.
func (a *Accumulator) Reset() {
	a.totalCalls.Store(0)
	a.successfulCalls.Store(0)
	a.failedCalls.Store(0)
	a.totalRetries.Store(0)
	a.circuitBreakerTrips.Store(0)
	a.cacheHits.Store(0)
	a.cacheMisses.Store(0)
	a.latencySumMs.Store(0)
	a.maxLatencyMs.Store(0)
	a.minLatencyMs.Store(math.MaxInt64)
	a.lastLatencyMs.Store(0)
	a.lastResetNs.Store(time.Now().UnixNano())
	a.dirty.Store(true)
}

// LastLatencyMs returns the most recently observed successful-call latency,
// for the Facade's health report (spec §3 "latencyMs (last observed)"). It
// is not part of Snapshot: the spec's metrics snapshot only aggregates
// avg/min/max, while the health report tracks the single latest sample
// separately.
func (a *Accumulator) LastLatencyMs() int64 {
	return a.lastLatencyMs.Load()
}

// GetMetrics returns the current snapshot, rebuilding it only if a mutator
// has run since the last build (P7: two consecutive reads with no
// intervening mutation are referentially identical).
func (a *Accumulator) GetMetrics() *Snapshot {
	if !a.dirty.Load() {
		if s := a.snapshot.Load(); s != nil {
			return s
		}
	}

	min := a.minLatencyMs.Load()
	if min == math.MaxInt64 {
		min = 0
	}
	successful := a.successfulCalls.Load()
	var avg int64
	if successful > 0 {
		avg = int64(math.Round(float64(a.latencySumMs.Load()) / float64(successful)))
	}

	s := &Snapshot{
		TotalCalls:          a.totalCalls.Load(),
		SuccessfulCalls:     successful,
		FailedCalls:         a.failedCalls.Load(),
		TotalRetries:        a.totalRetries.Load(),
		CircuitBreakerTrips: a.circuitBreakerTrips.Load(),
		CacheHits:           a.cacheHits.Load(),
		CacheMisses:         a.cacheMisses.Load(),
		AvgLatencyMs:        avg,
		MaxLatencyMs:        a.maxLatencyMs.Load(),
		MinLatencyMs:        min,
		LastResetAt:         time.Unix(0, a.lastResetNs.Load()),
	}
	a.snapshot.Store(s)
	a.dirty.Store(false)
	return s
}

// GetSuccessRate returns successfulCalls/totalCalls as a percentage,
// rounded, with 100 reported when there have been no calls.
func (a *Accumulator) GetSuccessRate() int64 {
	total := a.totalCalls.Load()
	if total == 0 {
		return 100
	}
	return int64(math.Round(float64(a.successfulCalls.Load()) / float64(total) * 100))
}

// GetCacheHitRate returns cacheHits/(cacheHits+cacheMisses) as a percentage,
// rounded, with 0 reported when the cache has never been consulted.
func (a *Accumulator) GetCacheHitRate() int64 {
	hits := a.cacheHits.Load()
	misses := a.cacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return int64(math.Round(float64(hits) / float64(total) * 100))
}

// Prometheus collector descriptors. Declared once so Describe/Collect don't
// re-allocate on every scrape.
var (
	descTotalCalls = prometheus.NewDesc("rpcresilience_calls_total", "Total calls started.", []string{"service"}, nil)
	descSuccess    = prometheus.NewDesc("rpcresilience_calls_successful_total", "Successful calls.", []string{"service"}, nil)
	descFailed     = prometheus.NewDesc("rpcresilience_calls_failed_total", "Failed calls.", []string{"service"}, nil)
	descRetries    = prometheus.NewDesc("rpcresilience_retries_total", "Retried attempts.", []string{"service"}, nil)
	descTrips      = prometheus.NewDesc("rpcresilience_circuit_breaker_trips_total", "Circuit breaker trips.", []string{"service"}, nil)
	descCacheHits  = prometheus.NewDesc("rpcresilience_cache_hits_total", "Fallback cache hits.", []string{"service"}, nil)
	descCacheMiss  = prometheus.NewDesc("rpcresilience_cache_misses_total", "Fallback cache misses.", []string{"service"}, nil)
	descAvgLatency = prometheus.NewDesc("rpcresilience_latency_avg_ms", "Average successful-call latency in milliseconds.", []string{"service"}, nil)
	descMaxLatency = prometheus.NewDesc("rpcresilience_latency_max_ms", "Maximum observed latency in milliseconds.", []string{"service"}, nil)
	descMinLatency = prometheus.NewDesc("rpcresilience_latency_min_ms", "Minimum observed latency in milliseconds.", []string{"service"}, nil)
)

// Describe implements prometheus.Collector.
func (a *Accumulator) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTotalCalls
	ch <- descSuccess
	ch <- descFailed
	ch <- descRetries
	ch <- descTrips
	ch <- descCacheHits
	ch <- descCacheMiss
	ch <- descAvgLatency
	ch <- descMaxLatency
	ch <- descMinLatency
}

// Collect implements prometheus.Collector, reading the same snapshot used
// by GetMetrics so the HTTP exposition surface and the typed API never
// disagree.
func (a *Accumulator) Collect(ch chan<- prometheus.Metric) {
	s := a.GetMetrics()
	ch <- prometheus.MustNewConstMetric(descTotalCalls, prometheus.CounterValue, float64(s.TotalCalls), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descSuccess, prometheus.CounterValue, float64(s.SuccessfulCalls), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descFailed, prometheus.CounterValue, float64(s.FailedCalls), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descRetries, prometheus.CounterValue, float64(s.TotalRetries), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descTrips, prometheus.CounterValue, float64(s.CircuitBreakerTrips), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descCacheHits, prometheus.CounterValue, float64(s.CacheHits), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descCacheMiss, prometheus.CounterValue, float64(s.CacheMisses), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descAvgLatency, prometheus.GaugeValue, float64(s.AvgLatencyMs), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descMaxLatency, prometheus.GaugeValue, float64(s.MaxLatencyMs), a.serviceName)
	ch <- prometheus.MustNewConstMetric(descMinLatency, prometheus.GaugeValue, float64(s.MinLatencyMs), a.serviceName)
}
