package types

import "time"

// WorkerState is the Worker lifecycle state machine (§3):
// Spawning -> Ready -> Busy <-> Ready -> Draining -> Terminated.
type WorkerState string

const (
	WorkerSpawning   WorkerState = "spawning"
	WorkerReady      WorkerState = "ready"
	WorkerBusy       WorkerState = "busy"
	WorkerDraining   WorkerState = "draining"
	WorkerTerminated WorkerState = "terminated"
)

// WorkerSnapshot is a read-only, point-in-time view of one Worker's counters,
// safe to hand to callers outside the pool's lock (§3.1).
type WorkerSnapshot struct {
	Key          string        `json:"key"`
	AppName      string        `json:"appName"`
	Version      string        `json:"version"`
	State        WorkerState   `json:"status"`
	Age          time.Duration `json:"age"`
	Idle         time.Duration `json:"idle"`
	RequestCount int64         `json:"requestCount"`
}

// PoolMetrics is the pool-wide snapshot returned by Pool.Metrics() and
// served at /_/metrics and /_/stats (§3.1, §4.4, §4.5).
type PoolMetrics struct {
	ActiveWorkers   int                       `json:"activeWorkers"`
	IdleWorkers     int                       `json:"idleWorkers"`
	SpawningWorkers int                       `json:"spawningWorkers"`
	DrainingWorkers int                       `json:"drainingWorkers"`
	PendingRequests int64                     `json:"pendingRequests"`
	TotalRequests   int64                     `json:"totalRequests"`
	TotalErrors     int64                     `json:"totalErrors"`
	Uptime          time.Duration             `json:"uptime"`
	Workers         map[string]WorkerSnapshot `json:"workers"`
}
