// Package event carries core state changes to presentation consumers.
// The core pushes typed events into the bus; the GUI, web, or MCP
// layer drains them. Core correctness never depends on a subscriber
// keeping up.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Well-known topics.
const (
	TopicSessionState = "session/state"
	TopicPeerAdded    = "peer/added"
	TopicPeerRemoved  = "peer/removed"
	TopicQueueDepth   = "queue/depth"
	TopicServerClient = "server/client"
)

type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Bus fans events out to subscriber channels per topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{} // Map topic to hashset of subscriber channels
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[chan Event]struct{}),
	}
}

func (b *Bus) Subscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
}

// Publish delivers to every subscriber of the topic without blocking:
// a full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropped event, subscriber buffer full", "topic", topic)
		}
	}
}

func (b *Bus) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[topic]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}
