package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

const defaultMaxMsgSize = 5 * 1024 * 1024 // 5 MiB, per spec §6

// grpcHandle wraps a live *grpc.ClientConn plus the descriptor it was built
// from, so MethodPath can assemble fully-qualified method names without the
// core ever needing to know the service's package/service identifiers.
type grpcHandle struct {
	conn *grpc.ClientConn
	desc Descriptor
}

func (h *grpcHandle) MethodPath(name string) string {
	return "/" + h.desc.Package + "." + h.desc.Service + "/" + name
}

// NewGRPC builds a Transport backed by google.golang.org/grpc. It is the
// concrete implementation of component E applications wire into the Facade.
func NewGRPC() Transport {
	return Transport{
		Factory:      grpcFactory,
		WaitForReady: grpcWaitForReady,
		ChannelState: grpcChannelState,
		Invoke:       grpcInvoke,
		Close:        grpcClose,
	}
}

func grpcFactory(ctx context.Context, desc Descriptor) (Handle, error) {
	creds, err := grpcCredentials(desc)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	sendSize := desc.MaxSendMsgSize
	if sendSize == 0 {
		sendSize = defaultMaxMsgSize
	}
	recvSize := desc.MaxRecvMsgSize
	if recvSize == 0 {
		recvSize = defaultMaxMsgSize
	}

	keepaliveTime := desc.KeepaliveTime
	if keepaliveTime == 0 {
		keepaliveTime = 30 * time.Second
	}
	keepaliveTimeout := desc.KeepaliveTimeout
	if keepaliveTimeout == 0 {
		keepaliveTimeout = 10 * time.Second
	}

	conn, err := grpc.NewClient(
		desc.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(sendSize),
			grpc.MaxCallRecvMsgSize(recvSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", desc.Addr, err)
	}
	// grpc.NewClient does not dial eagerly; nudge the channel to start
	// connecting immediately so the caller's subsequent WaitForReady
	// observes real progress rather than an idle channel.
	conn.Connect()

	return &grpcHandle{conn: conn, desc: desc}, nil
}

// grpcCredentials loads mTLS credentials when desc.TLS is set, grounded on
// the teacher's loadTLSCredentials (crypto/tls.LoadX509KeyPair + CA pool +
// ServerName derived from the host component of Addr), or falls back to a
// plaintext channel when desc.Insecure is set.
func grpcCredentials(desc Descriptor) (credentials.TransportCredentials, error) {
	if desc.TLS == nil {
		if desc.Insecure {
			return insecure.NewCredentials(), nil
		}
		return nil, fmt.Errorf("descriptor has neither TLS config nor Insecure set")
	}

	cert, err := tls.LoadX509KeyPair(desc.TLS.CertPath, desc.TLS.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", desc.TLS.CertPath, desc.TLS.KeyPath, err)
	}

	caPEM, err := os.ReadFile(desc.TLS.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", desc.TLS.CACertPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", desc.TLS.CACertPath)
	}

	serverName := desc.TLS.ServerName
	if serverName == "" {
		if host, _, splitErr := net.SplitHostPort(desc.Addr); splitErr == nil {
			serverName = host
		} else {
			serverName = desc.Addr
		}
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func grpcWaitForReady(ctx context.Context, handle Handle, deadline time.Time) error {
	conn := handle.(*grpcHandle).conn
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return fmt.Errorf("transport: channel is shut down")
		}
		conn.Connect()
		if !conn.WaitForStateChange(waitCtx, state) {
			return waitCtx.Err()
		}
	}
}

func grpcChannelState(handle Handle) State {
	conn := handle.(*grpcHandle).conn
	switch conn.GetState() {
	case connectivity.Ready:
		return StateReady
	case connectivity.Connecting:
		return StateConnecting
	case connectivity.Idle:
		return StateIdle
	case connectivity.TransientFailure:
		return StateTransientFailure
	case connectivity.Shutdown:
		return StateShutdown
	default:
		return StateIdle
	}
}

func grpcInvoke(ctx context.Context, handle Handle, method string, req, resp any, deadline time.Time, md map[string]string) error {
	h := handle.(*grpcHandle)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if len(md) > 0 {
		pairs := make([]string, 0, len(md)*2)
		for k, v := range md {
			pairs = append(pairs, k, v)
		}
		callCtx = metadata.AppendToOutgoingContext(callCtx, pairs...)
	}

	return h.conn.Invoke(callCtx, h.MethodPath(method), req, resp)
}

func grpcClose(handle Handle) error {
	return handle.(*grpcHandle).conn.Close()
}
