package xqueue

import (
	"time"
)

// PoolStats is a snapshot of the observer pool.
type PoolStats struct {
	Dropped      uint64 // full buffer or closed pool
	Processed    uint64
	Panics       uint64 // recovered observer panics
	ActiveEvents int    // queued, not yet dispatched
	Workers      int
	BufferSize   int
}

// Metrics defines observable telemetry for the client.
type Metrics struct {
	Sent                uint64
	SendFailed          uint64
	Received            uint64
	Acked               uint64
	Nacked              uint64
	TooLarge            uint64
	ParseErrors         uint64
	LatencyAlerts       uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates client health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
