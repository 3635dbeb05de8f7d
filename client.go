// Package rpcresilience is the public Facade (component H) for the core
// resilience engine: connection lifecycle, retrying call execution, a
// fallback LRU+TTL cache, and metrics, unified behind a single client and an
// event bus. See SPEC_FULL.md for the full design.
package rpcresilience

import (
	"context"

	"github.com/outpostlabs/rpcresilience/internal/cache"
	"github.com/outpostlabs/rpcresilience/internal/connection"
	"github.com/outpostlabs/rpcresilience/internal/metrics"
	"github.com/outpostlabs/rpcresilience/internal/orchestrator"
)

// Options customizes a single Call, per spec §4.G.
type Options = orchestrator.Options

// Client is the Facade applications construct one of per remote service.
// The zero value is not usable; construct with New.
type Client struct {
	cfg   Config
	bus   *eventBus
	conn  *connection.Manager
	orch  *orchestrator.Orchestrator
	mtr   *metrics.Accumulator
	cache *cache.Cache // nil when EnableFallbackCache is false
}

// New validates cfg, applies defaults, and constructs a Client. No
// connection attempt is made until EnsureConnected or Call is first invoked.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, bus: newEventBus()}
	c.mtr = metrics.New(cfg.ServiceName)

	if cfg.EnableFallbackCache {
		fc, err := cache.New(cfg.ServiceName, cfg.Logger, cfg.MaxCacheSize, cfg.FallbackCacheTTL)
		if err != nil {
			return nil, err
		}
		c.cache = fc
	}

	c.conn = connection.New(cfg.Transport, cfg.Descriptor, connection.Config{
		ConnectTimeout:        cfg.Timeout,
		InitialReconnectDelay: cfg.InitialReconnectDelay,
		MaxReconnectDelay:     cfg.MaxReconnectDelay,
		MaxReconnectAttempts:  cfg.MaxReconnectAttempts,
	}, cfg.Logger, connection.Listener{
		OnConnecting:   func() { c.bus.publish(Event{Name: EventConnecting}) },
		OnConnected:    func() { c.bus.publish(Event{Name: EventConnected}) },
		OnDisconnected: func() { c.bus.publish(Event{Name: EventDisconnected}) },
		OnError:        func(err error) { c.bus.publish(Event{Name: EventError, Err: err}) },
	})

	c.orch = orchestrator.New(orchestrator.Config{
		ServiceName:         cfg.ServiceName,
		Timeout:             cfg.Timeout,
		RetryCount:          cfg.RetryCount,
		RetryDelay:          cfg.RetryDelay,
		EnableFallbackCache: cfg.EnableFallbackCache,
	}, cfg.Logger, c.conn, cfg.Transport, c.mtr, c.cache)

	return c, nil
}

// Call executes method with req/resp per spec §4.G, with retry, fallback
// cache, and metrics applied automatically.
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts Options) error {
	return c.orch.Call(ctx, method, req, resp, opts)
}

// EnsureConnected blocks until a connection attempt completes (deduplicated
// across concurrent callers, I2) and reports whether the client is now
// CONNECTED.
func (c *Client) EnsureConnected(ctx context.Context) bool {
	return c.conn.EnsureConnected(ctx)
}

// IsConnected reports whether the client currently holds a live connection
// (I1), without attempting to establish one.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// GetHealth returns a point-in-time health report (spec §3).
func (c *Client) GetHealth() HealthReport {
	return buildHealthReport(c.conn, c.mtr)
}

// GetMetrics returns the current metrics snapshot.
func (c *Client) GetMetrics() *metrics.Snapshot {
	return c.mtr.GetMetrics()
}

// ResetMetrics zeroes all counters.
func (c *Client) ResetMetrics() {
	c.mtr.Reset()
}

// ClearCache drops all fallback-cache entries. A no-op when the fallback
// cache is disabled.
func (c *Client) ClearCache() {
	if c.cache != nil {
		c.cache.Clear()
	}
}

// Metrics exposes the raw accumulator, e.g. for registering it with a
// prometheus.Registry as a prometheus.Collector.
func (c *Client) Metrics() *metrics.Accumulator {
	return c.mtr
}

// Subscribe registers handler for the named event (one of EventConnecting,
// EventConnected, EventDisconnected, EventError, EventCircuitBreakerTrip)
// and returns a Subscription. Call Subscription.Unsubscribe to detach.
func (c *Client) Subscribe(event string, handler Handler) Subscription {
	return c.bus.subscribe(event, handler)
}

// TripCircuitBreaker records a circuit-breaker trip and emits
// EventCircuitBreakerTrip. The core never calls this itself (spec §4.G
// "not decided by the core"); it exists for service-specific wrappers that
// implement their own trip policy on top of this engine.
func (c *Client) TripCircuitBreaker() {
	c.mtr.RecordCircuitBreakerTrip()
	c.bus.publish(Event{Name: EventCircuitBreakerTrip, ServiceName: c.cfg.ServiceName})
}

// Close shuts the client down permanently (I6): the connection manager stops
// reconnecting, the transport handle is released, the fallback cache is
// cleared, and all event listeners are detached.
func (c *Client) Close() {
	c.conn.Close()
	if c.cache != nil {
		c.cache.Clear()
	}
	c.bus.close()
}
