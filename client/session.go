// Package client drives the virtual-endpoint side of the bridge: one
// session per configured server, owning the connect → operate →
// detect-failure → backoff-reconnect cycle.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/usblink/usblink/config"
	"github.com/usblink/usblink/device"
	"github.com/usblink/usblink/event"
	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
	"github.com/usblink/usblink/transport"
)

const defaultDialTimeout = 10 * time.Second

// State is the session's connection status. A session is in exactly
// one state at any instant; transitions are owned by the Run loop and
// read-only to observers.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Options configures a Session. Device is the virtual serial endpoint
// the session mirrors server data into and reads application bytes
// from; FrameSink receives encoded video frames when video is enabled.
type Options struct {
	Config    config.ClientConfig
	Device    device.Device
	FrameSink func([]byte)       // optional
	Metrics   *metrics.Collector // optional (defaults to a fresh collector)
	Events    *event.Bus         // optional (defaults to a fresh bus)

	// TLSConfig overrides the default trust policy (accept the server
	// certificate unverified, per self-signed deployments).
	TLSConfig *tls.Config

	EnableVideo bool

	// Tunables, defaulted when zero. Tests shrink these.
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// Session is the client-side connection controller. Exactly one exists
// per logical client; Run owns all state transitions.
type Session struct {
	opts    Options
	cfg     config.ClientConfig
	tlsCfg  *tls.Config
	metrics *metrics.Collector
	events  *event.Bus

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // UnixNano of the last PONG
	outbound      chan []byte  // device bytes awaiting a live transport

	backoff backoff
}

// New validates the configuration and builds a session in
// StateDisconnected.
func New(opts Options) (*Session, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Device == nil {
		return nil, fmt.Errorf("session requires a device")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Events == nil {
		opts.Events = event.NewBus()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}

	tlsCfg := opts.TLSConfig
	if opts.Config.UseTLS && tlsCfg == nil {
		tlsCfg = transport.ClientTLSConfig(opts.Config.Address, nil)
	}

	return &Session{
		opts:     opts,
		cfg:      opts.Config,
		tlsCfg:   tlsCfg,
		metrics:  opts.Metrics,
		events:   opts.Events,
		outbound: make(chan []byte, 64),
		backoff:  backoff{base: opts.BackoffBase, max: opts.BackoffMax},
	}, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastHeartbeat returns the time of the last observed PONG.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// Metrics returns the session's collector for presentation layers.
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

// Events returns the session's event bus.
func (s *Session) Events() *event.Bus { return s.events }

// Run drives the state machine until ctx is canceled (the explicit
// stop, honored from any state) or a non-retriable failure occurs.
// Transport and heartbeat failures never escape as crashes; they feed
// the reconnect cycle.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)
	defer s.opts.Device.Close()

	go s.pumpDevice(ctx)

	wasConnected := false
	for {
		s.setState(StateConnecting)
		tr, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Connect attempt failed", "addr", s.cfg.Addr(), "error", err)
			if !s.cfg.AutoReconnect {
				return err
			}
			if !s.waitBackoff(ctx) {
				return nil
			}
			continue
		}

		s.backoff.reset()
		if wasConnected {
			s.metrics.AddReconnect()
		}
		wasConnected = true
		s.setState(StateConnected)
		slog.Info("Connected", "addr", s.cfg.Addr(), "tls", s.cfg.UseTLS)

		err = s.operate(ctx, tr)
		tr.Close()
		if ctx.Err() != nil {
			return nil
		}

		slog.Warn("Connection lost", "addr", s.cfg.Addr(), "error", err)
		if !s.cfg.AutoReconnect {
			return err
		}
		if !s.waitBackoff(ctx) {
			return nil
		}
	}
}

// connect establishes the byte-stream connection and, when TLS is on,
// completes the handshake before the transport is considered up.
func (s *Session) connect(ctx context.Context) (*transport.Transport, error) {
	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.ErrConnectFailed, err)
	}
	if s.tlsCfg != nil {
		return transport.NewTLSClient(conn, s.tlsCfg, s.metrics)
	}
	return transport.New(conn, s.metrics), nil
}

// operate runs one connected episode: read loop, outbound writer and
// heartbeat share the transport until the first failure.
func (s *Session) operate(ctx context.Context, tr *transport.Transport) error {
	stop := make(chan struct{})
	defer close(stop)
	errs := make(chan error, 1)

	hb := newHeartbeat(s.opts.HeartbeatInterval, s.opts.HeartbeatTimeout, tr, s.metrics)
	go hb.run(stop, errs)
	go s.readLoop(tr, hb, errs)
	go s.writeLoop(tr, stop, errs)

	if s.opts.EnableVideo {
		if err := s.sendVideoControl(tr, true); err != nil {
			return err
		}
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		// Closing the transport unblocks the reader promptly; no
		// goroutine polls a flag.
		return ctx.Err()
	}
}

// readLoop dispatches inbound messages until the transport fails.
func (s *Session) readLoop(tr *transport.Transport, hb *heartbeat, errs chan<- error) {
	for {
		msg, err := tr.Receive()
		if err != nil {
			reportErr(errs, err)
			return
		}

		switch msg.Kind {
		case proto.KindPong:
			hb.observePong(msg)
			s.lastHeartbeat.Store(time.Now().UnixNano())

		case proto.KindData:
			if err := s.opts.Device.Write(msg.Payload); err != nil {
				slog.Warn("Virtual device write failed", "error", err)
			}

		case proto.KindFrame:
			if s.opts.FrameSink != nil {
				s.opts.FrameSink(msg.Payload)
			}

		case proto.KindControl:
			slog.Debug("Control message", "data", string(msg.Payload))

		default:
			slog.Warn("Unexpected message kind from server", "kind", msg.Kind.String())
		}
	}
}

// writeLoop forwards device bytes buffered by pumpDevice to the
// server.
func (s *Session) writeLoop(tr *transport.Transport, stop <-chan struct{}, errs chan<- error) {
	for {
		select {
		case <-stop:
			return
		case data := <-s.outbound:
			if err := tr.Send(proto.Message{Kind: proto.KindData, Payload: data}); err != nil {
				reportErr(errs, err)
				return
			}
		}
	}
}

// pumpDevice reads the virtual device for the whole session lifetime,
// so application bytes written during a reconnect window are carried
// over to the next transport instead of lost with it.
func (s *Session) pumpDevice(ctx context.Context) {
	for {
		data, err := s.opts.Device.Read()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, device.ErrClosed) {
				slog.Error("Virtual device read failed", "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		select {
		case s.outbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) sendVideoControl(tr *transport.Transport, enable bool) error {
	payload, err := json.Marshal(proto.ControlPayload{Op: "video", Enable: enable})
	if err != nil {
		return err
	}
	return tr.Send(proto.Message{Kind: proto.KindControl, Payload: payload})
}

// waitBackoff sleeps the next backoff delay in StateReconnecting.
// Returns false when the session was stopped during the wait.
func (s *Session) waitBackoff(ctx context.Context) bool {
	s.setState(StateReconnecting)
	delay := s.backoff.next()
	slog.Info("Reconnecting", "attempt", s.backoff.attempt, "delay", delay.Round(time.Millisecond))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	slog.Info("Session state changed", "from", prev.String(), "to", next.String())
	s.events.Publish(event.TopicSessionState, next.String())
}
