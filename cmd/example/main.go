// Command example demonstrates wiring an rpcresilience.Client into a
// service-specific wrapper: a thin struct embedding *rpcresilience.Client
// with typed methods that delegate to Call, per SPEC_FULL.md §9's
// generic-engine-plus-method-dispatch re-architecture.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/outpostlabs/rpcresilience"
	"github.com/outpostlabs/rpcresilience/internal/exampleconfig"
	"github.com/outpostlabs/rpcresilience/transport"
)

// GetUserRequest/GetUserResponse stand in for a real service's generated
// request/response types.
type GetUserRequest struct {
	ID string `json:"id"`
}

type GetUserResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserServiceClient is a thin, service-specific wrapper around the generic
// engine. It owns no retry/cache/metrics logic itself — all of that lives in
// the embedded *rpcresilience.Client.
type UserServiceClient struct {
	*rpcresilience.Client
}

// GetUser is a typed convenience method over the engine's generic Call.
func (u *UserServiceClient) GetUser(ctx context.Context, id string) (*GetUserResponse, error) {
	var resp GetUserResponse
	req := &GetUserRequest{ID: id}
	if err := u.Call(ctx, "GetUser", req, &resp, rpcresilience.Options{}); err != nil {
		return nil, err
	}
	return &resp, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (exampleconfig.File); if empty, configuration is built in code")
	addr := flag.String("addr", "127.0.0.1:50051", "user service address (used only when -config is not set)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	var cfg rpcresilience.Config
	if *configPath != "" {
		f, err := exampleconfig.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", slog.Any("error", err))
			os.Exit(1)
		}
		cfg = f.ToEngineConfig(logger)
	} else {
		cfg = rpcresilience.Config{
			ServiceName: "user-service",
			Descriptor: transport.Descriptor{
				Addr:     *addr,
				Insecure: true,
				Package:  "example",
				Service:  "UserService",
			},
			Timeout:             5 * time.Second,
			RetryCount:          3,
			EnableFallbackCache: true,
			Logger:              logger,
			Transport:           transport.NewGRPC(),
		}
	}

	engine, err := rpcresilience.New(cfg)
	if err != nil {
		logger.Error("failed to construct client", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	engine.Subscribe(rpcresilience.EventDisconnected, func(ev rpcresilience.Event) {
		logger.Warn("lost connection to user service")
	})
	engine.Subscribe(rpcresilience.EventError, func(ev rpcresilience.Event) {
		logger.Warn("connection error", slog.Any("error", ev.Err))
	})

	client := &UserServiceClient{Client: engine}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := client.GetUser(ctx, "42")
	if err != nil {
		fmt.Fprintf(os.Stderr, "GetUser failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("user: %+v\n", user)
}
