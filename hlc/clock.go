// Package hlc implements a hybrid logical clock. Restore hosts stamp stage
// reports and events with it so that reports from different hosts can be
// ordered even when their wall clocks disagree.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a point in hybrid time.
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// Clock issues monotonically increasing timestamps for one host.
type Clock struct {
	mu       sync.Mutex
	nodeID   uint64
	wallTime int64
	logical  int32
	now      func() int64
}

// NewClock creates a clock for the given host.
func NewClock(nodeID uint64) *Clock {
	return newClockWithSource(nodeID, func() int64 { return time.Now().UnixNano() })
}

func newClockWithSource(nodeID uint64, now func() int64) *Clock {
	return &Clock{nodeID: nodeID, wallTime: now(), now: now}
}

// Now returns a timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if physical := c.now(); physical > c.wallTime {
		c.wallTime = physical
		c.logical = 0
	} else {
		c.logical++
	}
	return c.stamp()
}

// Update merges a timestamp received from another host and returns a
// timestamp that orders after both.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.now()
	switch {
	case physical > c.wallTime && physical > remote.WallTime:
		c.wallTime = physical
		c.logical = 0
	case remote.WallTime > c.wallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical + 1
	case remote.WallTime == c.wallTime:
		c.logical = max(c.logical, remote.Logical) + 1
	default:
		c.logical++
	}
	return c.stamp()
}

func (c *Clock) stamp() Timestamp {
	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare returns -1, 0 or 1. Node id breaks ties.
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime != b.WallTime:
		return cmp(a.WallTime < b.WallTime)
	case a.Logical != b.Logical:
		return cmp(a.Logical < b.Logical)
	case a.NodeID != b.NodeID:
		return cmp(a.NodeID < b.NodeID)
	}
	return 0
}

func cmp(less bool) int {
	if less {
		return -1
	}
	return 1
}

// Less reports whether a happened before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// PhysicalTime returns the wall clock component.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s/%d@%d", t.PhysicalTime().UTC().Format(time.RFC3339Nano), t.Logical, t.NodeID)
}

// IsZero reports whether the timestamp was never set.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}
