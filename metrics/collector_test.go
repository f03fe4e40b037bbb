package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.IncRequest()
	c.IncError()
	assert.Equal(t, Snapshot{}, c.Snapshot())
}

func TestCollector_CountsRequestsAndErrors(t *testing.T) {
	c := NewCollector()
	c.IncRequest()
	c.IncRequest()
	c.IncError()

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalErrors)
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
}

func TestCollector_SnapshotIndependentOfFurtherMutation(t *testing.T) {
	c := NewCollector()
	c.IncRequest()
	first := c.Snapshot()
	c.IncRequest()
	second := c.Snapshot()

	assert.Equal(t, int64(1), first.TotalRequests)
	assert.Equal(t, int64(2), second.TotalRequests)
}
