// Package server hosts the device side of the bridge: it accepts
// framed connections, feeds inbound commands through the priority
// queue into the serial device, pumps device output and camera frames
// back out, and advertises itself over mDNS.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/usblink/usblink/config"
	"github.com/usblink/usblink/device"
	"github.com/usblink/usblink/discovery"
	"github.com/usblink/usblink/event"
	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
	"github.com/usblink/usblink/transport"
)

const (
	defaultMaxClients = 16

	// heartbeatInterval paces the stale-client reaper; clients silent
	// for deadLinkTimeout are dropped, mirroring the client's own
	// dead-link threshold.
	heartbeatInterval = 5 * time.Second
	deadLinkTimeout   = 15 * time.Second

	// frameInterval paces the camera pump at roughly 30 fps.
	frameInterval = 33 * time.Millisecond
)

// Options configures a Server. Device is required; everything else
// has a usable default.
type Options struct {
	Config  config.ServerConfig
	Device  device.Device
	Frames  device.FrameSource // optional, no FRAME traffic when nil
	Metrics *metrics.Collector // optional (defaults to a fresh collector)
	Events  *event.Bus         // optional (defaults to a fresh bus)

	MaxClients    int
	QueueCapacity int

	// TLSConfig overrides the certificate pair named in Config. Used
	// by tests to inject an in-memory certificate.
	TLSConfig *tls.Config
}

// Server owns one listener and its clients. Independent instances
// share nothing, so several servers on different ports can coexist in
// one process.
type Server struct {
	opts    Options
	cfg     config.ServerConfig
	tlsCfg  *tls.Config
	queue   *CommandQueue
	metrics *metrics.Collector
	events  *event.Bus

	listener  net.Listener
	announcer *discovery.Announcer

	cmu     sync.RWMutex
	clients map[string]*clientConn

	devMu sync.Mutex // serializes device writes across bypass and consumer

	running atomic.Bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type clientConn struct {
	id       string
	tr       *transport.Transport
	lastSeen atomic.Int64 // UnixNano of the last received message
	video    atomic.Bool
}

// New validates the configuration and builds a stopped server.
func New(opts Options) (*Server, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Device == nil {
		return nil, fmt.Errorf("server requires a device")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Events == nil {
		opts.Events = event.NewBus()
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxClients
	}

	tlsCfg := opts.TLSConfig
	if opts.Config.UseTLS && tlsCfg == nil {
		var err error
		tlsCfg, err = transport.ServerTLSConfig(opts.Config.CertFile, opts.Config.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		opts:    opts,
		cfg:     opts.Config,
		tlsCfg:  tlsCfg,
		metrics: opts.Metrics,
		events:  opts.Events,
		clients: make(map[string]*clientConn),
	}
	s.queue = NewCommandQueue(opts.QueueCapacity, s.writeDevice, s.metrics)
	return s, nil
}

// Metrics returns the server's collector for presentation layers.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Events returns the server's event bus.
func (s *Server) Events() *event.Bus { return s.events }

// QueueDepth reports the pending command backlog.
func (s *Server) QueueDepth() int { return s.queue.Depth() }

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return len(s.clients)
}

// Enqueue feeds a raw command into the priority queue, exactly as if a
// client had sent it. Used by the web and MCP surfaces.
func (s *Server) Enqueue(raw []byte) (proto.Priority, error) {
	return s.queue.Enqueue(raw)
}

// Start binds the listener and serves until ctx is canceled or
// Shutdown is called. Discovery failure degrades to a log warning; it
// never blocks the data path.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.ErrConnectFailed, err)
	}
	s.listener = l
	s.running.Store(true)
	slog.Info("Server started", "name", s.cfg.ServerName, "addr", l.Addr().String(), "tls", s.cfg.UseTLS)

	if s.cfg.EnableDiscovery {
		ann, err := discovery.Announce(s.cfg.ServerName, s.port(), s.cfg.UseTLS)
		if err != nil {
			slog.Warn("Discovery unavailable, manual connection only", "error", err)
		} else {
			s.announcer = ann
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel

	s.wg.Add(3)
	go s.consumeQueue()
	go s.pumpDevice(runCtx)
	go s.reapStale(runCtx)
	if s.opts.Frames != nil {
		s.wg.Add(1)
		go s.pumpFrames(runCtx)
	}

	go func() {
		<-runCtx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			// Listener closed: shut down the rest and drain. The
			// cancellation state is read first because shutdown cancels
			// the run context itself; a spontaneous listener failure
			// must still surface as an error.
			requested := runCtx.Err() != nil
			s.shutdown()
			if requested {
				return nil
			}
			return err
		}

		if s.ClientCount() >= s.opts.MaxClients {
			slog.Warn("Max clients reached, rejecting connection", "remote_addr", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

// Shutdown stops the server: deregisters discovery, closes the
// listener, the queue and every client connection, and unblocks all
// waiting goroutines.
func (s *Server) Shutdown() {
	if s.stop != nil {
		s.stop()
	}
}

// port returns the actual bound port, which matters when the
// configured port is 0 (tests).
func (s *Server) port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.cfg.Port
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) shutdown() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	// Reached with the run context still live when the accept loop
	// dies on its own (listener error). Cancel it so the ticker
	// goroutines exit before the wait below.
	if s.stop != nil {
		s.stop()
	}
	if s.announcer != nil {
		// Explicit deregistration so browsing peers see prompt removal.
		s.announcer.Shutdown()
		s.announcer = nil
	}
	s.queue.Close()
	s.opts.Device.Close()

	s.cmu.Lock()
	for _, c := range s.clients {
		c.tr.Close()
	}
	s.cmu.Unlock()

	s.wg.Wait()
	slog.Info("Server stopped", "name", s.cfg.ServerName)
}

func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	var tr *transport.Transport
	if s.tlsCfg != nil {
		var err error
		tr, err = transport.NewTLSServer(conn, s.tlsCfg, s.metrics)
		if err != nil {
			slog.Warn("TLS handshake failed", "remote_addr", remote, "error", err)
			return
		}
	} else {
		tr = transport.New(conn, s.metrics)
	}

	c := &clientConn{
		id: "client-" + uuid.NewString()[:8],
		tr: tr,
	}
	c.lastSeen.Store(time.Now().UnixNano())

	// Checked under cmu: shutdown clears running before it walks the
	// client map, so a connection that loses this race is closed here
	// instead of leaking past the close loop.
	s.cmu.Lock()
	if !s.running.Load() {
		s.cmu.Unlock()
		tr.Close()
		slog.Info("Connection refused at shutdown", "remote_addr", remote)
		return
	}
	s.clients[c.id] = c
	s.cmu.Unlock()

	slog.Info("Client connected", "id", c.id, "remote_addr", remote)
	s.events.Publish(event.TopicServerClient, map[string]any{"id": c.id, "connected": true})

	defer func() {
		s.cmu.Lock()
		delete(s.clients, c.id)
		s.cmu.Unlock()

		tr.Close()
		slog.Info("Client disconnected", "id", c.id, "remote_addr", remote)
		s.events.Publish(event.TopicServerClient, map[string]any{"id": c.id, "connected": false})
	}()

	for {
		msg, err := tr.Receive()
		if err != nil {
			if s.running.Load() {
				slog.Warn("Client read error", "id", c.id, "error", err)
			}
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		switch msg.Kind {
		case proto.KindPing:
			if err := tr.Send(proto.NewPong(msg)); err != nil {
				slog.Warn("Failed to send pong", "id", c.id, "error", err)
				return
			}

		case proto.KindData:
			priority, err := s.queue.Enqueue(msg.Payload)
			if err != nil {
				slog.Warn("Command dropped at shutdown", "id", c.id, "error", err)
				return
			}
			slog.Debug("Command accepted", "id", c.id, "priority", priority.String(), "size", len(msg.Payload))
			s.events.Publish(event.TopicQueueDepth, s.queue.Depth())

		case proto.KindControl:
			s.handleControl(c, msg)

		default:
			slog.Warn("Unexpected message kind from client", "id", c.id, "kind", msg.Kind.String())
		}
	}
}

func (s *Server) handleControl(c *clientConn, msg proto.Message) {
	var ctl proto.ControlPayload
	if err := json.Unmarshal(msg.Payload, &ctl); err != nil {
		slog.Warn("Invalid control payload", "id", c.id, "error", err, "data", string(msg.Payload))
		return
	}
	switch ctl.Op {
	case "video":
		c.video.Store(ctl.Enable)
		slog.Info("Video streaming toggled", "id", c.id, "enable", ctl.Enable)
	case "status":
		reply, err := json.Marshal(proto.ControlPayload{Op: "status", Status: "ok"})
		if err != nil {
			return
		}
		if err := c.tr.Send(proto.Message{Kind: proto.KindControl, Payload: reply}); err != nil {
			slog.Warn("Failed to send status reply", "id", c.id, "error", err)
		}
	default:
		slog.Warn("Unknown control op", "id", c.id, "op", ctl.Op)
	}
}

// writeDevice is the single funnel for device writes: the queue
// consumer and the emergency bypass both land here, serialized.
func (s *Server) writeDevice(p []byte) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.opts.Device.Write(p)
}

// consumeQueue is the dedicated queue consumer: it continuously
// dequeues the highest-priority command and writes it to the device.
func (s *Server) consumeQueue() {
	defer s.wg.Done()
	for {
		cmd, err := s.queue.Dequeue()
		if err != nil {
			return // queue closed
		}
		if err := s.writeDevice(cmd.Raw); err != nil {
			slog.Error("Device write failed", "priority", cmd.Priority.String(), "error", err)
		}
	}
}

// pumpDevice forwards bytes the physical device produces to every
// connected client as DATA messages.
func (s *Server) pumpDevice(ctx context.Context) {
	defer s.wg.Done()
	for {
		data, err := s.opts.Device.Read()
		if err != nil {
			if ctx.Err() == nil && s.running.Load() {
				slog.Error("Device read failed", "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		s.broadcast(proto.Message{Kind: proto.KindData, Payload: data}, false)
	}
}

// pumpFrames sends encoded camera frames to clients that enabled video.
func (s *Server) pumpFrames(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.anyVideoClient() {
			continue
		}
		frame, err := s.opts.Frames.NextFrame()
		if err != nil {
			slog.Warn("Frame source error", "error", err)
			continue
		}
		if len(frame) == 0 {
			continue
		}
		s.broadcast(proto.Message{Kind: proto.KindFrame, Payload: frame}, true)
	}
}

func (s *Server) anyVideoClient() bool {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	for _, c := range s.clients {
		if c.video.Load() {
			return true
		}
	}
	return false
}

// broadcast sends msg to connected clients; when videoOnly is set,
// only to clients that enabled video.
func (s *Server) broadcast(msg proto.Message, videoOnly bool) {
	s.cmu.RLock()
	targets := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		if videoOnly && !c.video.Load() {
			continue
		}
		targets = append(targets, c)
	}
	s.cmu.RUnlock()

	for _, c := range targets {
		if err := c.tr.Send(msg); err != nil {
			slog.Warn("Broadcast send failed", "id", c.id, "kind", msg.Kind.String(), "error", err)
		}
	}
}

// reapStale drops clients that have been silent past the dead-link
// threshold. A healthy client pings every heartbeat interval, so only
// a dead or partitioned one goes quiet this long.
func (s *Server) reapStale(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-deadLinkTimeout).UnixNano()
		s.cmu.RLock()
		var stale []*clientConn
		for _, c := range s.clients {
			if c.lastSeen.Load() < cutoff {
				stale = append(stale, c)
			}
		}
		s.cmu.RUnlock()

		for _, c := range stale {
			slog.Warn("Client timed out, closing", "id", c.id)
			c.tr.Close() // handler goroutine does the unregistering
		}
	}
}
