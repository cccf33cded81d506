// Package web exposes a JSON monitoring and control surface over the
// bridge: queue depth, metrics, discovered peers, command injection,
// and a live event feed over WebSocket.
package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/usblink/usblink/discovery"
	"github.com/usblink/usblink/event"
	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
)

// Bridge is what the web surface needs from the running server.
type Bridge interface {
	Metrics() *metrics.Collector
	Events() *event.Bus
	QueueDepth() int
	ClientCount() int
	Enqueue(raw []byte) (proto.Priority, error)
}

// WebUI serves the HTTP API. Peers is optional; without it the peers
// endpoint reports an empty list.
type WebUI struct {
	bridge Bridge
	peers  func() []discovery.Peer
	server *http.Server
}

func New(bridge Bridge, peers func() []discovery.Peer) *WebUI {
	return &WebUI{bridge: bridge, peers: peers}
}

// Routes returns the HTTP routes for the API.
func (w *WebUI) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/status", w.HandleStatus)
	r.Get("/api/metrics", w.HandleMetrics)
	r.Get("/api/peers", w.HandlePeers)
	r.Get("/api/queue", w.HandleQueue)
	r.Post("/api/command", w.HandleCommand)
	r.Get("/ws", w.HandleEvents)
	return r
}

// Start serves the API on addr until Shutdown is called.
func (w *WebUI) Start(addr string) error {
	slog.Info("Starting web API", "addr", addr)
	w.server = &http.Server{
		Addr:    addr,
		Handler: w.Routes(),
	}
	err := w.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (w *WebUI) Shutdown(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	slog.Info("Shutting down web API", "addr", w.server.Addr)
	return w.server.Shutdown(ctx)
}
