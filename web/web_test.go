package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/usblink/usblink/discovery"
	"github.com/usblink/usblink/event"
	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
)

// fakeBridge satisfies Bridge with canned values and records enqueued
// commands.
type fakeBridge struct {
	metrics  *metrics.Collector
	events   *event.Bus
	depth    int
	clients  int
	enqueued [][]byte
	enqErr   error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		metrics: metrics.New(),
		events:  event.NewBus(),
		depth:   3,
		clients: 2,
	}
}

func (b *fakeBridge) Metrics() *metrics.Collector { return b.metrics }
func (b *fakeBridge) Events() *event.Bus          { return b.events }
func (b *fakeBridge) QueueDepth() int             { return b.depth }
func (b *fakeBridge) ClientCount() int            { return b.clients }

func (b *fakeBridge) Enqueue(raw []byte) (proto.Priority, error) {
	if b.enqErr != nil {
		return 0, b.enqErr
	}
	b.enqueued = append(b.enqueued, raw)
	return proto.Classify(raw), nil
}

func TestStatusEndpoint(t *testing.T) {
	bridge := newFakeBridge()
	srv := httptest.NewServer(New(bridge, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Clients    int `json:"clients"`
		QueueDepth int `json:"queue_depth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if status.Clients != 2 || status.QueueDepth != 3 {
		t.Errorf("Expected clients=2 depth=3, got %+v", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	bridge := newFakeBridge()
	bridge.metrics.AddSent(100)
	bridge.metrics.AddLatency(5 * time.Millisecond)

	srv := httptest.NewServer(New(bridge, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics")
	if err != nil {
		t.Fatalf("GET /api/metrics: %v", err)
	}
	defer resp.Body.Close()

	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if snap.BytesSent != 100 {
		t.Errorf("Expected 100 bytes sent, got %d", snap.BytesSent)
	}
	if snap.LatencySamples != 1 {
		t.Errorf("Expected 1 latency sample, got %d", snap.LatencySamples)
	}
}

func TestPeersEndpoint(t *testing.T) {
	bridge := newFakeBridge()
	peers := func() []discovery.Peer {
		return []discovery.Peer{{Name: "Workshop", Address: "192.168.1.10", Port: 5555, TLSEnabled: true}}
	}
	srv := httptest.NewServer(New(bridge, peers).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/peers")
	if err != nil {
		t.Fatalf("GET /api/peers: %v", err)
	}
	defer resp.Body.Close()

	var got []discovery.Peer
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Workshop" {
		t.Errorf("Expected one peer named Workshop, got %+v", got)
	}
}

func TestPeersEndpointWithoutBrowser(t *testing.T) {
	srv := httptest.NewServer(New(newFakeBridge(), nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/peers")
	if err != nil {
		t.Fatalf("GET /api/peers: %v", err)
	}
	defer resp.Body.Close()

	var got []discovery.Peer
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty peer list, got %+v", got)
	}
}

func TestCommandEndpoint(t *testing.T) {
	bridge := newFakeBridge()
	srv := httptest.NewServer(New(bridge, nil).Routes())
	defer srv.Close()

	body := bytes.NewBufferString(`{"command":"M112"}`)
	resp, err := http.Post(srv.URL+"/api/command", "application/json", body)
	if err != nil {
		t.Fatalf("POST /api/command: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var reply struct {
		Priority string `json:"priority"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if reply.Priority != "emergency" {
		t.Errorf("Expected emergency priority for M112, got %q", reply.Priority)
	}
	if len(bridge.enqueued) != 1 || string(bridge.enqueued[0]) != "M112" {
		t.Errorf("Expected command enqueued once, got %v", bridge.enqueued)
	}
}

func TestCommandEndpointRejectsEmpty(t *testing.T) {
	srv := httptest.NewServer(New(newFakeBridge(), nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/command", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST /api/command: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty command, got %d", resp.StatusCode)
	}
}

func TestCommandEndpointAtShutdown(t *testing.T) {
	bridge := newFakeBridge()
	bridge.enqErr = proto.ErrQueueClosed
	srv := httptest.NewServer(New(bridge, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/command", "application/json", bytes.NewBufferString(`{"command":"G0 X1"}`))
	if err != nil {
		t.Fatalf("POST /api/command: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when the queue is closed, got %d", resp.StatusCode)
	}
}

func TestEventFeedStreamsBusEvents(t *testing.T) {
	bridge := newFakeBridge()
	srv := httptest.NewServer(New(bridge, nil).Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered inside the handler goroutine;
	// retry until the publish lands.
	got := make(chan event.Event, 1)
	go func() {
		var ev event.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bridge.events.Publish(event.TopicQueueDepth, 7)
		select {
		case ev := <-got:
			if ev.Topic != event.TopicQueueDepth {
				t.Errorf("Expected queue depth event, got %q", ev.Topic)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("Never received an event over the feed")
		}
	}
}
