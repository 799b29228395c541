/*
Package stats provides in-memory counters and SQLite persistence for
certificate usage statistics.

The Collector counts TLS handshakes per network identity using atomic
operations and queues certificate lifecycle events (issued, regenerated,
revoked, ...). A background flush loop periodically writes handshake deltas
and queued events to a SQLite database for persistence across restarts.
*/
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one certificate lifecycle event.
type Event struct {
	ID        string    `json:"id" yaml:"id"`
	NetworkID string    `json:"networkId" yaml:"network_id"`
	Kind      string    `json:"kind" yaml:"kind"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	At        time.Time `json:"at" yaml:"at"`
}

// NetworkCount holds a network identity and its handshake count.
type NetworkCount struct {
	NetworkID string `json:"networkId" yaml:"network_id"`
	Count     int64  `json:"count" yaml:"count"`
}

// Collector accumulates handshake counters and pending events.
type Collector struct {
	handshakes sync.Map // string -> *atomic.Int64

	mu      sync.Mutex
	pending []Event

	now func() time.Time
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// RecordHandshake counts one handshake served for a network.
func (c *Collector) RecordHandshake(networkID string) {
	v, _ := c.handshakes.LoadOrStore(networkID, &atomic.Int64{})
	v.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

// RecordEvent queues a lifecycle event until the next flush.
func (c *Collector) RecordEvent(networkID, kind, detail string) {
	ev := Event{
		ID:        uuid.NewString(),
		NetworkID: networkID,
		Kind:      kind,
		Detail:    detail,
		At:        c.now().UTC(),
	}
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
}

// SnapshotHandshakes returns current cumulative per-network handshake
// counts, sorted by network ID.
func (c *Collector) SnapshotHandshakes() []NetworkCount {
	var out []NetworkCount
	c.handshakes.Range(func(key, value any) bool {
		id, _ := key.(string)               //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out = append(out, NetworkCount{NetworkID: id, Count: counter.Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// TotalHandshakes returns the sum of all handshake counts.
func (c *Collector) TotalHandshakes() int64 {
	var total int64
	c.handshakes.Range(func(_, value any) bool {
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		total += counter.Load()
		return true
	})
	return total
}

// PendingEvents returns a copy of the events not yet flushed.
func (c *Collector) PendingEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.pending...)
}

// takeEvents removes and returns every pending event.
func (c *Collector) takeEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// requeue puts events back in front of anything recorded since takeEvents.
func (c *Collector) requeue(events []Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(append([]Event(nil), events...), c.pending...)
}
