package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/usblink/usblink/event"
)

const (
	browseInterval = 5 * time.Second
	browseTimeout  = 2 * time.Second

	// missedRounds is the TTL: a peer absent from this many
	// consecutive browse rounds is considered departed. Entries are
	// never cleaned up speculatively.
	missedRounds = 3
)

// Browser continuously browses for bridge servers, maintaining a peer
// table and raising peer/added and peer/removed events on the bus.
// The table is mutated only by the Browser's own goroutine; Peers
// returns a copy.
type Browser struct {
	events *event.Bus

	// lookup issues one browse round into the channel. Swappable so
	// tests can feed synthetic entries.
	lookup func(chan<- *mdns.ServiceEntry) error

	mu     sync.RWMutex
	peers  map[string]Peer
	missed map[string]int
}

func NewBrowser(events *event.Bus) *Browser {
	return &Browser{
		events: events,
		lookup: func(entries chan<- *mdns.ServiceEntry) error {
			return mdns.Query(&mdns.QueryParam{
				Service: ServiceType,
				Domain:  "local",
				Timeout: browseTimeout,
				Entries: entries,
			})
		},
		peers:  make(map[string]Peer),
		missed: make(map[string]int),
	}
}

// Run browses until ctx is canceled. A failing browse round logs and
// keeps the current table; manual-address operation is never blocked.
func (b *Browser) Run(ctx context.Context) {
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	for {
		b.browseOnce()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Peers returns a copy of the current peer set.
func (b *Browser) Peers() []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	return out
}

func (b *Browser) browseOnce() {
	entries := make(chan *mdns.ServiceEntry, 16)
	seen := make(map[string]struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			peer, ok := parseEntry(entry)
			if !ok {
				continue
			}
			seen[peer.Name] = struct{}{}
			b.upsert(peer)
		}
	}()

	if err := b.lookup(entries); err != nil {
		slog.Warn("mDNS browse failed", "error", err)
	}
	close(entries)
	<-done

	b.age(seen)
}

func (b *Browser) upsert(peer Peer) {
	b.mu.Lock()
	_, known := b.peers[peer.Name]
	b.peers[peer.Name] = peer
	b.missed[peer.Name] = 0
	b.mu.Unlock()

	if !known {
		slog.Info("Discovered server", "name", peer.Name, "addr", peer.Addr(), "version", peer.Version, "tls", peer.TLSEnabled)
		if b.events != nil {
			b.events.Publish(event.TopicPeerAdded, peer)
		}
	}
}

func (b *Browser) age(seen map[string]struct{}) {
	var removed []Peer

	b.mu.Lock()
	for name, peer := range b.peers {
		if _, ok := seen[name]; ok {
			continue
		}
		b.missed[name]++
		if b.missed[name] >= missedRounds {
			delete(b.peers, name)
			delete(b.missed, name)
			removed = append(removed, peer)
		}
	}
	b.mu.Unlock()

	for _, peer := range removed {
		slog.Info("Server departed", "name", peer.Name)
		if b.events != nil {
			b.events.Publish(event.TopicPeerRemoved, peer)
		}
	}
}
