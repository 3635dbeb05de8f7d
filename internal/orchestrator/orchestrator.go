// Package orchestrator implements the Call Orchestrator (component G): the
// per-call retry loop, cache read/write, metrics updates, metadata
// injection, and error mapping.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpostlabs/rpcresilience/internal/cache"
	"github.com/outpostlabs/rpcresilience/internal/cachekey"
	"github.com/outpostlabs/rpcresilience/internal/classify"
	"github.com/outpostlabs/rpcresilience/internal/connection"
	"github.com/outpostlabs/rpcresilience/internal/metrics"
	"github.com/outpostlabs/rpcresilience/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CallError is the single error carrier the orchestrator surfaces to
// callers, per spec §4.G "Error mapping" / §6 "Error surface".
type CallError struct {
	Message  string
	Code     codes.Code
	GRPCCode codes.Code // alias preserved for caller compatibility, per spec
}

func (e *CallError) Error() string {
	return e.Message
}

func newCallError(code codes.Code, message string) *CallError {
	return &CallError{Message: message, Code: code, GRPCCode: code}
}

// Config holds the orchestrator's per-call tunables, sourced from the
// client's overall configuration.
type Config struct {
	ServiceName         string
	Timeout             time.Duration
	RetryCount          int
	RetryDelay          time.Duration
	EnableFallbackCache bool
}

// Options customizes a single call, per spec §4.G.
type Options struct {
	Timeout       time.Duration // zero means Config.Timeout
	Locale        string
	ClientURL     string
	SkipRetry     bool
	CacheKey      string
	SkipCache     bool
	ExtraMetadata map[string]string
}

// Orchestrator is the Call Orchestrator. Construct with New.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	conn    *connection.Manager
	tr      transport.Transport
	metrics *metrics.Accumulator
	cache   *cache.Cache // nil when fallback caching is disabled
}

// New constructs an Orchestrator. cacheInst may be nil when
// Config.EnableFallbackCache is false.
func New(cfg Config, logger *slog.Logger, conn *connection.Manager, tr transport.Transport, m *metrics.Accumulator, cacheInst *cache.Cache) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator", "service", cfg.ServiceName),
		conn:    conn,
		tr:      tr,
		metrics: m,
		cache:   cacheInst,
	}
}

// Call executes an RPC with retry, fallback-cache, and metrics per spec
// §4.G.
func (o *Orchestrator) Call(ctx context.Context, method string, req, resp any, opts Options) error {
	effectiveKey := opts.CacheKey
	if effectiveKey == "" {
		effectiveKey = cachekey.Derive(method, req)
	}
	useCache := o.cfg.EnableFallbackCache && !opts.SkipCache && o.cache != nil

	maxAttempts := o.cfg.RetryCount + 1
	if opts.SkipRetry {
		maxAttempts = 1
	}

	o.metrics.RecordCallStart()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !o.conn.EnsureConnected(ctx) {
			return o.unavailablePath(effectiveKey, useCache, resp)
		}

		handle, ok := o.conn.Handle()
		if !ok {
			return o.unavailablePath(effectiveKey, useCache, resp)
		}

		timeout := opts.Timeout
		if timeout == 0 {
			timeout = o.cfg.Timeout
		}
		deadline := time.Now().Add(timeout)
		md := buildMetadata(opts)

		start := time.Now()
		err := o.tr.Invoke(ctx, handle, method, req, resp, deadline, md)
		if err == nil {
			o.metrics.RecordSuccess(time.Since(start))
			if useCache {
				o.storeInCache(effectiveKey, resp)
			}
			return nil
		}

		callErr := mapError(err)
		lastErr = callErr

		last := attempt == maxAttempts-1
		if !classify.Retryable(callErr.Code) || last {
			break
		}
		o.metrics.RecordRetry()
		if classify.ConnectionLost(callErr.Code) {
			o.conn.HandleConnectionLost()
		}

		o.logger.Warn("call attempt failed, retrying", "method", method, "attempt", attempt, "error", err)
		select {
		case <-time.After(classify.CallRetryDelay(o.cfg.RetryDelay, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.metrics.RecordFailure()
	if useCache && o.loadFromCache(effectiveKey, resp) {
		o.metrics.RecordCacheHit()
		o.logger.Warn("serving stale cached response after retry exhaustion", "method", method)
		return nil
	}
	if useCache {
		o.metrics.RecordCacheMiss()
	}
	return lastErr
}

// unavailablePath handles the case where EnsureConnected itself returned
// false, per spec §4.G "Unavailable path".
func (o *Orchestrator) unavailablePath(key string, useCache bool, resp any) error {
	o.metrics.RecordFailure()
	if useCache && o.loadFromCache(key, resp) {
		o.metrics.RecordCacheHit()
		o.logger.Info("serving cached response while unavailable", "key", key)
		return nil
	}
	if useCache {
		o.metrics.RecordCacheMiss()
	}
	return newCallError(codes.Unavailable, fmt.Sprintf("%s is not available", o.cfg.ServiceName))
}

// storeInCache marshals resp to JSON before caching it, so the cache
// package can stay generic over any request/response shape without relying
// on the specific pointer identity of the caller's resp value.
func (o *Orchestrator) storeInCache(key string, resp any) {
	raw, err := json.Marshal(resp)
	if err != nil {
		o.logger.Warn("failed to marshal response for caching", "error", err)
		return
	}
	_ = o.cache.Set(key, raw, 0)
}

// loadFromCache reports whether key held a cached response and, if so,
// unmarshals it into resp.
func (o *Orchestrator) loadFromCache(key string, resp any) bool {
	v, ok := o.cache.Get(key)
	if !ok {
		return false
	}
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		o.logger.Warn("failed to unmarshal cached response", "error", err)
		return false
	}
	return true
}

func buildMetadata(opts Options) map[string]string {
	md := make(map[string]string, len(opts.ExtraMetadata)+2)
	for k, v := range opts.ExtraMetadata {
		md[k] = v
	}
	if opts.Locale != "" {
		md["accept-language"] = opts.Locale
	}
	if opts.ClientURL != "" {
		md["x-client-url"] = opts.ClientURL
	}
	return md
}

// mapError converts a transport error into the orchestrator's single error
// carrier, extracting the wire status code and details||message.
func mapError(err error) *CallError {
	st, ok := status.FromError(err)
	if !ok {
		return newCallError(codes.Unknown, err.Error())
	}
	msg := st.Message()
	if msg == "" {
		msg = err.Error()
	}
	return newCallError(st.Code(), msg)
}
