package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/outpostlabs/rpcresilience/internal/cache"
	"github.com/outpostlabs/rpcresilience/internal/connection"
	"github.com/outpostlabs/rpcresilience/internal/metrics"
	"github.com/outpostlabs/rpcresilience/internal/orchestrator"
	"github.com/outpostlabs/rpcresilience/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type echoReq struct{ Value string }
type echoResp struct{ Value string }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedHandle struct{}

func (scriptedHandle) MethodPath(name string) string { return "/test/" + name }

// scriptedTransport returns, in order, the errors/responses in invokeScript
// for successive Invoke calls; once the script is exhausted the last entry
// repeats. A nil entry means "succeed".
type scriptedTransport struct {
	mu           sync.Mutex
	invokeScript []error
	invokeCalls  int
	respValue    string
}

func (s *scriptedTransport) transport() transport.Transport {
	return transport.Transport{
		Factory: func(ctx context.Context, desc transport.Descriptor) (transport.Handle, error) {
			return scriptedHandle{}, nil
		},
		WaitForReady: func(ctx context.Context, handle transport.Handle, deadline time.Time) error {
			return nil
		},
		ChannelState: func(handle transport.Handle) transport.State {
			return transport.StateReady
		},
		Invoke: func(ctx context.Context, handle transport.Handle, method string, req, resp any, deadline time.Time, md map[string]string) error {
			s.mu.Lock()
			idx := s.invokeCalls
			s.invokeCalls++
			var err error
			if idx < len(s.invokeScript) {
				err = s.invokeScript[idx]
			} else if len(s.invokeScript) > 0 {
				err = s.invokeScript[len(s.invokeScript)-1]
			}
			s.mu.Unlock()
			if err != nil {
				return err
			}
			if r, ok := resp.(*echoResp); ok {
				r.Value = s.respValue
			}
			return nil
		},
		Close: func(handle transport.Handle) error { return nil },
	}
}

func newManager(tr transport.Transport) *connection.Manager {
	return connection.New(tr, transport.Descriptor{Addr: "x"}, connection.Config{
		ConnectTimeout:        time.Second,
		InitialReconnectDelay: 5 * time.Millisecond,
		MaxReconnectDelay:     20 * time.Millisecond,
	}, discardLogger(), connection.Listener{})
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New("svc", discardLogger(), 100, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	return c
}

// TestRetryThenSucceed exercises S1: a transport that fails twice with
// Unavailable and succeeds on the third attempt, with retryCount=3, results
// in exactly one successful call recorded and two retries.
func TestRetryThenSucceed(t *testing.T) {
	st := &scriptedTransport{
		invokeScript: []error{
			status.Error(codes.Unavailable, "down"),
			status.Error(codes.Unavailable, "down"),
			nil,
		},
		respValue: "ok",
	}
	m := metrics.New("svc")
	conn := newManager(st.transport())
	o := orchestrator.New(orchestrator.Config{
		ServiceName: "svc",
		Timeout:     time.Second,
		RetryCount:  3,
		RetryDelay:  time.Millisecond,
	}, discardLogger(), conn, st.transport(), m, nil)

	var resp echoResp
	err := o.Call(context.Background(), "Echo", &echoReq{Value: "hi"}, &resp, orchestrator.Options{})
	if err != nil {
		t.Fatalf("Call() error = %v, want nil", err)
	}
	if resp.Value != "ok" {
		t.Errorf("resp.Value = %q, want %q", resp.Value, "ok")
	}

	snap := m.GetMetrics()
	if snap.TotalCalls != 1 {
		t.Errorf("TotalCalls = %d, want 1", snap.TotalCalls)
	}
	if snap.SuccessfulCalls != 1 {
		t.Errorf("SuccessfulCalls = %d, want 1", snap.SuccessfulCalls)
	}
	if snap.FailedCalls != 0 {
		t.Errorf("FailedCalls = %d, want 0", snap.FailedCalls)
	}
	if snap.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", snap.TotalRetries)
	}
}

// TestRetryExhaustionFallsBackToCache exercises S2: retries are exhausted
// against a transport that is always Unavailable, and a prior cached
// response for the same key is returned instead of the error.
func TestRetryExhaustionFallsBackToCache(t *testing.T) {
	st := &scriptedTransport{
		invokeScript: []error{status.Error(codes.Unavailable, "down")},
	}
	m := metrics.New("svc")
	c := newCache(t)
	conn := newManager(st.transport())
	o := orchestrator.New(orchestrator.Config{
		ServiceName:         "svc",
		Timeout:             time.Second,
		RetryCount:          2,
		RetryDelay:          time.Millisecond,
		EnableFallbackCache: true,
	}, discardLogger(), conn, st.transport(), m, c)

	req := &echoReq{Value: "hi"}

	// Pre-seed the cache via a prior successful call with a different
	// transport script, using the same request so the derived key matches.
	seedTransport := &scriptedTransport{respValue: "stale-ok"}
	seedConn := newManager(seedTransport.transport())
	seedOrch := orchestrator.New(orchestrator.Config{
		ServiceName:         "svc",
		Timeout:             time.Second,
		RetryCount:          0,
		RetryDelay:          time.Millisecond,
		EnableFallbackCache: true,
	}, discardLogger(), seedConn, seedTransport.transport(), metrics.New("svc"), c)

	var seedResp echoResp
	if err := seedOrch.Call(context.Background(), "Echo", req, &seedResp, orchestrator.Options{}); err != nil {
		t.Fatalf("seeding call error = %v", err)
	}

	var resp echoResp
	err := o.Call(context.Background(), "Echo", req, &resp, orchestrator.Options{})
	if err != nil {
		t.Fatalf("Call() error = %v, want nil (cache fallback)", err)
	}
	if resp.Value != "stale-ok" {
		t.Errorf("resp.Value = %q, want %q (cached)", resp.Value, "stale-ok")
	}

	snap := m.GetMetrics()
	if snap.FailedCalls != 1 {
		t.Errorf("FailedCalls = %d, want 1", snap.FailedCalls)
	}
	if snap.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", snap.CacheHits)
	}
}

// TestNonRetryableFailsImmediately exercises S3: an InvalidArgument error is
// not retried and is surfaced with its code and message intact.
func TestNonRetryableFailsImmediately(t *testing.T) {
	st := &scriptedTransport{
		invokeScript: []error{status.Error(codes.InvalidArgument, "bad field: locale")},
	}
	m := metrics.New("svc")
	conn := newManager(st.transport())
	o := orchestrator.New(orchestrator.Config{
		ServiceName: "svc",
		Timeout:     time.Second,
		RetryCount:  3,
		RetryDelay:  time.Millisecond,
	}, discardLogger(), conn, st.transport(), m, nil)

	var resp echoResp
	err := o.Call(context.Background(), "Echo", &echoReq{Value: "hi"}, &resp, orchestrator.Options{})
	if err == nil {
		t.Fatal("Call() error = nil, want InvalidArgument error")
	}

	var callErr *orchestrator.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error is not a *CallError: %v", err)
	}
	if callErr.Code != codes.InvalidArgument {
		t.Errorf("Code = %v, want InvalidArgument", callErr.Code)
	}
	if callErr.GRPCCode != codes.InvalidArgument {
		t.Errorf("GRPCCode = %v, want InvalidArgument", callErr.GRPCCode)
	}
	if callErr.Message != "bad field: locale" {
		t.Errorf("Message = %q, want %q", callErr.Message, "bad field: locale")
	}

	snap := m.GetMetrics()
	if snap.TotalRetries != 0 {
		t.Errorf("TotalRetries = %d, want 0", snap.TotalRetries)
	}
	if snap.FailedCalls != 1 {
		t.Errorf("FailedCalls = %d, want 1", snap.FailedCalls)
	}
	if st.invokeCalls != 1 {
		t.Errorf("invokeCalls = %d, want 1 (no retry attempted)", st.invokeCalls)
	}
}

// TestConservationTotalCallsEqualsSuccessPlusFail exercises P1/P2: across a
// mix of successful and failing calls (with fallback caching disabled so a
// cache hit cannot mask a failure), totalCalls always equals
// successfulCalls+failedCalls.
func TestConservationTotalCallsEqualsSuccessPlusFail(t *testing.T) {
	st := &scriptedTransport{
		invokeScript: []error{nil, status.Error(codes.InvalidArgument, "bad"), nil},
		respValue:    "ok",
	}
	m := metrics.New("svc")
	conn := newManager(st.transport())
	o := orchestrator.New(orchestrator.Config{
		ServiceName: "svc",
		Timeout:     time.Second,
		RetryCount:  1,
		RetryDelay:  time.Millisecond,
	}, discardLogger(), conn, st.transport(), m, nil)

	for i := 0; i < 3; i++ {
		var resp echoResp
		_ = o.Call(context.Background(), "Echo", &echoReq{Value: "hi"}, &resp, orchestrator.Options{})
	}

	snap := m.GetMetrics()
	if snap.TotalCalls != snap.SuccessfulCalls+snap.FailedCalls {
		t.Errorf("TotalCalls(%d) != SuccessfulCalls(%d)+FailedCalls(%d)", snap.TotalCalls, snap.SuccessfulCalls, snap.FailedCalls)
	}
	if snap.TotalCalls != 3 {
		t.Errorf("TotalCalls = %d, want 3", snap.TotalCalls)
	}
}

// unreachableTransport never becomes ready: WaitForReady always errors, so
// EnsureConnected always reports false and the orchestrator's unavailable
// path (not the retry loop) handles every call.
func unreachableTransport() transport.Transport {
	return transport.Transport{
		Factory: func(ctx context.Context, desc transport.Descriptor) (transport.Handle, error) {
			return scriptedHandle{}, nil
		},
		WaitForReady: func(ctx context.Context, handle transport.Handle, deadline time.Time) error {
			return errors.New("dial failed")
		},
		ChannelState: func(handle transport.Handle) transport.State { return transport.StateTransientFailure },
		Invoke: func(ctx context.Context, handle transport.Handle, method string, req, resp any, deadline time.Time, md map[string]string) error {
			return status.Error(codes.Unavailable, "unreachable")
		},
		Close: func(handle transport.Handle) error { return nil },
	}
}

// TestUnavailableFallsBackToCacheAndRecordsFailure exercises the unavailable
// path (EnsureConnected itself returns false): a prior cached response is
// served, but the call is still accounted as a failed call so
// totalCalls == successfulCalls+failedCalls holds (I4/P2) even though a
// value was returned with a nil error.
func TestUnavailableFallsBackToCacheAndRecordsFailure(t *testing.T) {
	c := newCache(t)
	req := &echoReq{Value: "hi"}

	// Seed the cache via a working transport/orchestrator sharing the cache.
	seedTransport := &scriptedTransport{respValue: "stale-ok"}
	seedConn := newManager(seedTransport.transport())
	seedOrch := orchestrator.New(orchestrator.Config{
		ServiceName:         "svc",
		Timeout:             time.Second,
		RetryCount:          0,
		RetryDelay:          time.Millisecond,
		EnableFallbackCache: true,
	}, discardLogger(), seedConn, seedTransport.transport(), metrics.New("svc"), c)

	var seedResp echoResp
	if err := seedOrch.Call(context.Background(), "Echo", req, &seedResp, orchestrator.Options{}); err != nil {
		t.Fatalf("seeding call error = %v", err)
	}

	unreachable := unreachableTransport()
	m := metrics.New("svc")
	conn := newManager(unreachable)
	o := orchestrator.New(orchestrator.Config{
		ServiceName:         "svc",
		Timeout:             time.Second,
		RetryCount:          2,
		RetryDelay:          time.Millisecond,
		EnableFallbackCache: true,
	}, discardLogger(), conn, unreachable, m, c)

	var resp echoResp
	err := o.Call(context.Background(), "Echo", req, &resp, orchestrator.Options{})
	if err != nil {
		t.Fatalf("Call() error = %v, want nil (cache fallback while unavailable)", err)
	}
	if resp.Value != "stale-ok" {
		t.Errorf("resp.Value = %q, want %q (cached)", resp.Value, "stale-ok")
	}

	snap := m.GetMetrics()
	if snap.FailedCalls != 1 {
		t.Errorf("FailedCalls = %d, want 1", snap.FailedCalls)
	}
	if snap.SuccessfulCalls != 0 {
		t.Errorf("SuccessfulCalls = %d, want 0", snap.SuccessfulCalls)
	}
	if snap.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", snap.CacheHits)
	}
	if snap.TotalCalls != snap.SuccessfulCalls+snap.FailedCalls {
		t.Errorf("TotalCalls(%d) != SuccessfulCalls(%d)+FailedCalls(%d)", snap.TotalCalls, snap.SuccessfulCalls, snap.FailedCalls)
	}
}

// TestSkipRetrySkipsRetryLoop exercises the SkipRetry option: a single
// failing attempt with SkipRetry set produces zero retries regardless of
// the configured RetryCount.
func TestSkipRetrySkipsRetryLoop(t *testing.T) {
	st := &scriptedTransport{
		invokeScript: []error{status.Error(codes.Unavailable, "down")},
	}
	m := metrics.New("svc")
	conn := newManager(st.transport())
	o := orchestrator.New(orchestrator.Config{
		ServiceName: "svc",
		Timeout:     time.Second,
		RetryCount:  5,
		RetryDelay:  time.Millisecond,
	}, discardLogger(), conn, st.transport(), m, nil)

	var resp echoResp
	err := o.Call(context.Background(), "Echo", &echoReq{Value: "hi"}, &resp, orchestrator.Options{SkipRetry: true})
	if err == nil {
		t.Fatal("Call() error = nil, want error")
	}
	if st.invokeCalls != 1 {
		t.Errorf("invokeCalls = %d, want 1 (SkipRetry)", st.invokeCalls)
	}
}
