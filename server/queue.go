package server

import (
	"container/heap"
	"sync"
	"time"

	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
)

// DefaultQueueCapacity bounds the pending command backlog.
const DefaultQueueCapacity = 100

// Command is one pending device write. Priority is derived once at
// ingress and never changes. Owned by the queue until dequeued.
type Command struct {
	Raw        []byte
	Priority   proto.Priority
	EnqueuedAt time.Time

	seq uint64 // FIFO tiebreaker within a priority class
}

// CommandQueue is the bounded multi-level queue feeding the device.
// Commands are served lowest priority value first, FIFO within a
// class. EMERGENCY commands never enter the queue: Enqueue hands them
// to the bypass writer synchronously, so their worst-case latency is
// independent of the backlog. Multiple producers may call Enqueue
// concurrently; exactly one consumer calls Dequeue.
type CommandQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	pending  commandHeap
	capacity int
	closed   bool
	seq      uint64

	bypass  func([]byte) error
	metrics *metrics.Collector
}

// NewCommandQueue builds a queue of the given capacity. bypass is the
// synchronous emergency path, normally the device writer.
func NewCommandQueue(capacity int, bypass func([]byte) error, m *metrics.Collector) *CommandQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &CommandQueue{
		capacity: capacity,
		bypass:   bypass,
		metrics:  m,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue classifies raw and inserts it, blocking while the queue is
// full (backpressure, never data loss). EMERGENCY content is written
// through the bypass immediately and takes no slot. The classified
// priority is returned either way.
func (q *CommandQueue) Enqueue(raw []byte) (proto.Priority, error) {
	priority := proto.Classify(raw)
	if priority == proto.PriorityEmergency {
		return priority, q.bypass(raw)
	}

	q.mu.Lock()
	for len(q.pending) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return priority, proto.ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.pending, Command{
		Raw:        raw,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		seq:        q.seq,
	})
	// Published under the lock so the metric tracks the heap mutation
	// it belongs to, even with racing producers and the consumer.
	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.pending))
	}
	q.mu.Unlock()

	q.notEmpty.Signal()
	return priority, nil
}

// Dequeue removes the highest-priority available command, blocking
// while the queue is empty. Returns proto.ErrQueueClosed after Close.
func (q *CommandQueue) Dequeue() (Command, error) {
	q.mu.Lock()
	for len(q.pending) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return Command{}, proto.ErrQueueClosed
	}
	cmd := heap.Pop(&q.pending).(Command)
	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.pending))
	}
	q.mu.Unlock()

	q.notFull.Signal()
	return cmd, nil
}

// Depth reports the number of queued commands.
func (q *CommandQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close unblocks every waiting producer and consumer. Pending
// commands are discarded; callers see proto.ErrQueueClosed.
func (q *CommandQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	if q.metrics != nil {
		q.metrics.SetQueueDepth(0)
	}
	q.mu.Unlock()

	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// commandHeap orders by (priority, seq): lower priority value first,
// then arrival order within a class.
type commandHeap []Command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) {
	*h = append(*h, x.(Command))
}

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	cmd := old[n-1]
	*h = old[:n-1]
	return cmd
}
