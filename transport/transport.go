// Package transport defines the contract the resilience engine consumes
// from an underlying RPC channel (component E), and the concrete gRPC
// implementation applications use to satisfy it. The core never assumes
// how the transport serializes messages or validates schemas: it drives
// the contract purely through opaque handles and method-name strings.
package transport

import (
	"context"
	"time"
)

// State mirrors the channel connectivity states the core polls.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateTransientFailure
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTransientFailure:
		return "TRANSIENT_FAILURE"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Descriptor carries the configuration a Factory needs to build a Handle.
// Fields beyond Addr are opaque to the core; it passes them through
// unmodified (spec §6 "transport descriptor fields").
type Descriptor struct {
	// Addr is the "host:port" of the remote service.
	Addr string

	// Insecure selects a plaintext channel. Mutually exclusive with TLS.
	Insecure bool

	// TLS, when non-nil, configures mutual-TLS credentials.
	TLS *TLSConfig

	// KeepaliveTime and KeepaliveTimeout configure gRPC client keepalive
	// pings. Zero values fall back to the package defaults.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxSendMsgSize and MaxRecvMsgSize bound message sizes. Zero values
	// fall back to 5 MiB, the spec's documented implementation default.
	MaxSendMsgSize int
	MaxRecvMsgSize int

	// Package and Service name the fully-qualified gRPC service this
	// descriptor targets, used only to build method paths for Invoke
	// ("/" + Package + "." + Service + "/" + Method).
	Package string
	Service string
}

// TLSConfig names the mTLS material a Factory should load. Credential
// loading and certificate parsing are the transport's concern, not the
// core's (spec §1 "out of scope").
type TLSConfig struct {
	CertPath   string
	KeyPath    string
	CACertPath string
	// ServerName overrides the TLS ServerName; if empty, it is derived from
	// Descriptor.Addr's host component.
	ServerName string
}

// Handle is an opaque, per-instance transport connection. The core never
// inspects it directly; it only passes it back into the functions below.
type Handle interface {
	// MethodPath returns the fully-qualified method path for name, e.g.
	// "/mypackage.MyService/GetUser".
	MethodPath(name string) string
}

// Factory synchronously constructs a Handle from a Descriptor. Failures
// propagate as an error; the core treats factory failure as a failed
// connect attempt (spec §4.F "connect()").
type Factory func(ctx context.Context, desc Descriptor) (Handle, error)

// WaitForReady blocks until handle's underlying channel reaches
// StateReady, ctx is done, or deadline passes — whichever comes first.
type WaitForReadyFunc func(ctx context.Context, handle Handle, deadline time.Time) error

// ChannelStateFunc polls current connectivity without blocking.
type ChannelStateFunc func(handle Handle) State

// InvokeFunc invokes a unary method and decodes the response into resp.
// metadata carries outgoing key/value pairs (accept-language,
// x-client-url, etc.) per spec §6. A non-nil error must be classifiable by
// internal/classify, i.e. it must unwrap to (or be) a gRPC status error.
type InvokeFunc func(ctx context.Context, handle Handle, method string, req, resp any, deadline time.Time, metadata map[string]string) error

// CloseFunc releases transport resources. It must be idempotent.
type CloseFunc func(handle Handle) error

// Transport bundles the function-capability contract the core consumes.
// NewGRPC returns one backed by *grpc.ClientConn; tests substitute a fake.
type Transport struct {
	Factory      Factory
	WaitForReady WaitForReadyFunc
	ChannelState ChannelStateFunc
	Invoke       InvokeFunc
	Close        CloseFunc
}
