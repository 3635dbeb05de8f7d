package rpcresilience

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpostlabs/rpcresilience/internal/cache"
	"github.com/outpostlabs/rpcresilience/transport"
)

// Config is the client's immutable-after-construction configuration, per
// spec §3 "Client configuration". Zero-valued optional fields are filled in
// by applyDefaults during New.
type Config struct {
	// ServiceName identifies this client instance in logs and metrics.
	// Required.
	ServiceName string

	// Descriptor carries the opaque transport configuration (address,
	// credentials, keepalive, message sizes). Required.
	Descriptor transport.Descriptor

	Timeout               time.Duration // default 5s
	RetryCount            int           // default 3
	RetryDelay            time.Duration // default 1s
	InitialReconnectDelay time.Duration // default 1s
	MaxReconnectDelay     time.Duration // default 30s
	MaxReconnectAttempts  int           // default 0 (unbounded)

	EnableFallbackCache bool
	FallbackCacheTTL    time.Duration // default 60s
	MaxCacheSize        int           // default 100, bounds [1, 100000]

	// Logger is required; the Facade and every internal component derive a
	// namespaced child logger from it.
	Logger *slog.Logger

	// Transport is the concrete transport implementation (e.g.
	// transport.NewGRPC()). Required.
	Transport transport.Transport
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryCount == 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.InitialReconnectDelay == 0 {
		c.InitialReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.FallbackCacheTTL == 0 {
		c.FallbackCacheTTL = 60 * time.Second
	}
	if c.MaxCacheSize == 0 {
		c.MaxCacheSize = 100
	}
}

// validate checks required fields and enumerated bounds, accumulating every
// failure rather than stopping at the first (mirroring the teacher's
// config.validate accumulation pattern).
func (c *Config) validate() error {
	var errs []error

	if c.ServiceName == "" {
		errs = append(errs, newConfigError("ServiceName", "must not be empty"))
	}
	if c.Descriptor.Addr == "" {
		errs = append(errs, newConfigError("Descriptor.Addr", "must not be empty"))
	}
	if c.Logger == nil {
		errs = append(errs, newConfigError("Logger", "is required"))
	}
	if c.Transport.Factory == nil || c.Transport.WaitForReady == nil || c.Transport.ChannelState == nil ||
		c.Transport.Invoke == nil || c.Transport.Close == nil {
		errs = append(errs, newConfigError("Transport", "must be fully populated (use transport.NewGRPC() or a complete fake)"))
	}
	if c.RetryCount < 0 {
		errs = append(errs, newConfigError("RetryCount", "must not be negative"))
	}
	if c.EnableFallbackCache {
		if c.MaxCacheSize < cache.MinSize || c.MaxCacheSize > cache.MaxSize {
			errs = append(errs, newConfigError("MaxCacheSize", fmt.Sprintf("must be in [%d, %d]", cache.MinSize, cache.MaxSize)))
		}
		if c.FallbackCacheTTL < cache.MinTTL || c.FallbackCacheTTL > cache.MaxTTL {
			errs = append(errs, newConfigError("FallbackCacheTTL", fmt.Sprintf("must be in [%s, %s]", cache.MinTTL, cache.MaxTTL)))
		}
	}

	return errors.Join(errs...)
}
