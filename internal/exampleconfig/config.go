// Package exampleconfig provides YAML configuration loading for services
// that want to describe their rpcresilience.Config in a file rather than in
// code, mirroring the teacher's internal/config package.
package exampleconfig

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outpostlabs/rpcresilience"
	"github.com/outpostlabs/rpcresilience/transport"
)

// File is the top-level YAML shape for a single client's configuration.
type File struct {
	ServiceName string `yaml:"service_name"`
	Addr        string `yaml:"addr"`
	Insecure    bool   `yaml:"insecure"`
	TLS         *TLS   `yaml:"tls"`

	TimeoutMs               int `yaml:"timeout_ms"`
	RetryCount              int `yaml:"retry_count"`
	RetryDelayMs            int `yaml:"retry_delay_ms"`
	InitialReconnectDelayMs int `yaml:"initial_reconnect_delay_ms"`
	MaxReconnectDelayMs     int `yaml:"max_reconnect_delay_ms"`
	MaxReconnectAttempts    int `yaml:"max_reconnect_attempts"`

	EnableFallbackCache bool `yaml:"enable_fallback_cache"`
	FallbackCacheTTLMs  int  `yaml:"fallback_cache_ttl_ms"`
	MaxCacheSize        int  `yaml:"max_cache_size"`

	Package string `yaml:"package"`
	Service string `yaml:"service"`
}

// TLS holds mTLS material paths for a YAML-configured client.
type TLS struct {
	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`
	CACertPath string `yaml:"ca_cert_path"`
	ServerName string `yaml:"server_name"`
}

// Load reads the YAML file at path and unmarshals it into File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exampleconfig: cannot read %q: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("exampleconfig: cannot parse %q: %w", path, err)
	}
	return &f, nil
}

// ToEngineConfig converts a loaded File into an rpcresilience.Config, wiring
// in the concrete gRPC transport and the caller-supplied logger.
func (f *File) ToEngineConfig(logger *slog.Logger) rpcresilience.Config {
	desc := transport.Descriptor{
		Addr:     f.Addr,
		Insecure: f.Insecure,
		Package:  f.Package,
		Service:  f.Service,
	}
	if f.TLS != nil {
		desc.TLS = &transport.TLSConfig{
			CertPath:   f.TLS.CertPath,
			KeyPath:    f.TLS.KeyPath,
			CACertPath: f.TLS.CACertPath,
			ServerName: f.TLS.ServerName,
		}
	}

	return rpcresilience.Config{
		ServiceName:           f.ServiceName,
		Descriptor:            desc,
		Timeout:               millis(f.TimeoutMs),
		RetryCount:            f.RetryCount,
		RetryDelay:            millis(f.RetryDelayMs),
		InitialReconnectDelay: millis(f.InitialReconnectDelayMs),
		MaxReconnectDelay:     millis(f.MaxReconnectDelayMs),
		MaxReconnectAttempts:  f.MaxReconnectAttempts,
		EnableFallbackCache:   f.EnableFallbackCache,
		FallbackCacheTTL:      millis(f.FallbackCacheTTLMs),
		MaxCacheSize:          f.MaxCacheSize,
		Logger:                logger,
		Transport:             transport.NewGRPC(),
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
