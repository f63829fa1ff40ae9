// Package clock provides the cluster logical clock used to pick snapshot
// read timestamps.
package clock

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// LogicalClock exposes the latest cluster time known to this process.
type LogicalClock interface {
	ClusterTime() primitive.Timestamp
	Advance(ts primitive.Timestamp)
}

// HybridClock combines wall-clock seconds with a logical counter. It never
// goes backwards and can be advanced by cluster times gossiped from shards.
type HybridClock struct {
	mu   sync.Mutex
	wall clockwork.Clock
	last primitive.Timestamp
}

// NewHybridClock returns a clock reading seconds from wall.
func NewHybridClock(wall clockwork.Clock) *HybridClock {
	return &HybridClock{wall: wall}
}

// ClusterTime returns the current cluster time without ticking.
func (c *HybridClock) ClusterTime() primitive.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	secs := uint32(c.wall.Now().Unix())
	if secs > c.last.T {
		return primitive.Timestamp{T: secs, I: 0}
	}
	return c.last
}

// Tick reserves and returns a new timestamp greater than any returned before.
func (c *HybridClock) Tick() primitive.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	secs := uint32(c.wall.Now().Unix())
	if secs > c.last.T {
		c.last = primitive.Timestamp{T: secs, I: 1}
	} else {
		c.last.I++
	}
	return c.last
}

// Advance moves the clock forward to ts if ts is ahead of it.
func (c *HybridClock) Advance(ts primitive.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transaction.CompareTimestamps(ts, c.last) > 0 {
		c.last = ts
	}
}
