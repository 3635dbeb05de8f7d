package rpcresilience

import (
	"time"

	"github.com/outpostlabs/rpcresilience/internal/connection"
	"github.com/outpostlabs/rpcresilience/internal/metrics"
)

// HealthReport is the point-in-time view returned by GetHealth, per spec §3
// "Health report".
type HealthReport struct {
	State             string
	Healthy           bool
	LatencyMs         int64
	LastConnectedAt   time.Time
	LastErrorAt       time.Time
	LastError         error
	ReconnectAttempts int
	Metrics           metrics.Snapshot
}

func buildHealthReport(conn *connection.Manager, m *metrics.Accumulator) HealthReport {
	state := conn.State()
	return HealthReport{
		State:             state.String(),
		Healthy:           state == connection.StateConnected,
		LatencyMs:         m.LastLatencyMs(),
		LastConnectedAt:   conn.LastConnectedAt(),
		LastErrorAt:       conn.LastErrorAt(),
		LastError:         conn.LastError(),
		ReconnectAttempts: conn.ReconnectAttempts(),
		Metrics:           *m.GetMetrics(),
	}
}
