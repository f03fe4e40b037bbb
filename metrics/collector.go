// Package metrics provides dispatcher-wide request/error counters.
//
// The Collector is a leaf package with no internal dependencies. Per-worker
// counters (requestCount, age, idle) live on the worker itself and are
// folded into a types.PoolMetrics snapshot by the pool; Collector only
// tracks the two counters the dispatcher itself owns per spec §4.5:
// "the dispatcher is the only writer to the global counters".
package metrics

import (
	"sync"
	"time"
)

// Collector accumulates dispatcher-wide counters. Thread-safe via
// sync.Mutex. All increment methods are nil-receiver safe so call sites
// never need to guard against a nil Collector.
type Collector struct {
	mu sync.Mutex

	totalRequests int64
	totalErrors   int64
	startedAt     time.Time
}

// NewCollector creates a Collector whose uptime clock starts now.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

// IncRequest records one request accepted by the dispatcher.
func (c *Collector) IncRequest() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()
}

// IncError records one non-2xx terminal outcome.
func (c *Collector) IncError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.totalErrors++
	c.mu.Unlock()
}

// Snapshot is an immutable point-in-time view of the dispatcher's own
// counters. Safe to read concurrently after creation.
type Snapshot struct {
	TotalRequests int64
	TotalErrors   int64
	Uptime        time.Duration
}

// Snapshot returns the current counters and derived uptime.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		TotalRequests: c.totalRequests,
		TotalErrors:   c.totalErrors,
		Uptime:        time.Since(c.startedAt),
	}
}
