package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/usblink/usblink/discovery"
	"github.com/usblink/usblink/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local monitoring surface, any origin
	},
}

func (w *WebUI) HandleStatus(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, map[string]any{
		"clients":     w.bridge.ClientCount(),
		"queue_depth": w.bridge.QueueDepth(),
	})
}

func (w *WebUI) HandleMetrics(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, w.bridge.Metrics().Snapshot())
}

func (w *WebUI) HandlePeers(wr http.ResponseWriter, r *http.Request) {
	peers := []discovery.Peer{}
	if w.peers != nil {
		peers = w.peers()
	}
	writeJSON(wr, peers)
}

func (w *WebUI) HandleQueue(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, map[string]any{"depth": w.bridge.QueueDepth()})
}

// HandleCommand injects a command exactly as if a network client had
// sent it, priority classification included.
func (w *WebUI) HandleCommand(wr http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(wr, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(wr, "Command must not be empty", http.StatusBadRequest)
		return
	}

	priority, err := w.bridge.Enqueue([]byte(req.Command))
	if err != nil {
		slog.Error("Web command rejected", "error", err)
		http.Error(wr, "Bridge is shutting down", http.StatusServiceUnavailable)
		return
	}

	wr.WriteHeader(http.StatusAccepted)
	writeJSON(wr, map[string]any{"priority": priority.String()})
}

// HandleEvents upgrades to WebSocket and streams bus events until the
// client disconnects.
func (w *WebUI) HandleEvents(wr http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(wr, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	bus := w.bridge.Events()
	topics := []string{
		event.TopicSessionState,
		event.TopicPeerAdded,
		event.TopicPeerRemoved,
		event.TopicQueueDepth,
		event.TopicServerClient,
	}
	ch := make(chan event.Event, 64)
	for _, topic := range topics {
		bus.Subscribe(topic, ch)
	}
	defer func() {
		for _, topic := range topics {
			bus.Unsubscribe(topic, ch)
		}
	}()

	// Reads are discarded; the read loop only notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Event feed write failed", "error", err)
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(wr http.ResponseWriter, v any) {
	wr.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
