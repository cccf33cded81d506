// Package metrics keeps rolling statistics for a session or server
// instance. Counters are written from I/O goroutines and read from
// presentation goroutines, so updates are atomic and never block a
// sender or receiver. Snapshots are rebuilt on demand and are never a
// source of truth for control decisions.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyWindow is the number of round-trip samples retained.
const LatencyWindow = 100

// Collector accumulates transfer counters and a fixed-size latency
// ring. The zero value is not usable; call New.
type Collector struct {
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
	reconnects  atomic.Uint64
	queueDepth  atomic.Int64

	mu      sync.Mutex
	samples [LatencyWindow]time.Duration
	next    int
	count   int
}

func New() *Collector {
	return &Collector{}
}

// AddSent records one outbound frame of n wire bytes.
func (c *Collector) AddSent(n int) {
	c.bytesSent.Add(uint64(n))
	c.packetsSent.Add(1)
}

// AddReceived records one inbound frame of n wire bytes.
func (c *Collector) AddReceived(n int) {
	c.bytesRecv.Add(uint64(n))
	c.packetsRecv.Add(1)
}

// AddLatency records one heartbeat round-trip sample. O(1).
func (c *Collector) AddLatency(d time.Duration) {
	c.mu.Lock()
	c.samples[c.next] = d
	c.next = (c.next + 1) % LatencyWindow
	if c.count < LatencyWindow {
		c.count++
	}
	c.mu.Unlock()
}

// AddReconnect bumps the successful-reconnection counter.
func (c *Collector) AddReconnect() {
	c.reconnects.Add(1)
}

// SetQueueDepth publishes the current command queue depth.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Store(int64(n))
}

// Snapshot is an immutable view of the collector at one instant.
type Snapshot struct {
	BytesSent       uint64        `json:"bytes_sent"`
	BytesReceived   uint64        `json:"bytes_received"`
	PacketsSent     uint64        `json:"packets_sent"`
	PacketsReceived uint64        `json:"packets_received"`
	Reconnects      uint64        `json:"reconnects"`
	QueueDepth      int           `json:"queue_depth"`
	LatencySamples  int           `json:"latency_samples"`
	LatencyMin      time.Duration `json:"latency_min_ns"`
	LatencyMax      time.Duration `json:"latency_max_ns"`
	LatencyAvg      time.Duration `json:"latency_avg_ns"`
}

// Snapshot computes min/max/average over the current latency window.
// O(window size), taken only on demand.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesRecv.Load(),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsRecv.Load(),
		Reconnects:      c.reconnects.Load(),
		QueueDepth:      int(c.queueDepth.Load()),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s.LatencySamples = c.count
	if c.count == 0 {
		return s
	}
	var total time.Duration
	s.LatencyMin = c.samples[0]
	for i := 0; i < c.count; i++ {
		d := c.samples[i]
		total += d
		if d < s.LatencyMin {
			s.LatencyMin = d
		}
		if d > s.LatencyMax {
			s.LatencyMax = d
		}
	}
	s.LatencyAvg = total / time.Duration(c.count)
	return s
}
