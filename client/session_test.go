package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/usblink/usblink/config"
	"github.com/usblink/usblink/device"
	"github.com/usblink/usblink/proto"
	"github.com/usblink/usblink/transport"
)

// testServer is a scripted peer: it answers PINGs when respondPong is
// set and records DATA payloads.
type testServer struct {
	ln          net.Listener
	respondPong bool

	mu    sync.Mutex
	conns []*transport.Transport
	data  chan []byte
}

func startTestServer(t *testing.T, respondPong bool) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testServer{ln: ln, respondPong: respondPong, data: make(chan []byte, 64)}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		tr := transport.New(conn, nil)
		s.mu.Lock()
		s.conns = append(s.conns, tr)
		s.mu.Unlock()
		go s.serve(tr)
	}
}

func (s *testServer) serve(tr *transport.Transport) {
	for {
		msg, err := tr.Receive()
		if err != nil {
			return
		}
		switch msg.Kind {
		case proto.KindPing:
			if s.respondPong {
				tr.Send(proto.NewPong(msg))
			}
		case proto.KindData:
			s.data <- msg.Payload
		}
	}
}

// send pushes a message to every connected client.
func (s *testServer) send(msg proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.conns {
		tr.Send(msg)
	}
}

func (s *testServer) close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.conns {
		tr.Close()
	}
}

func (s *testServer) addr() (string, int) {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func testOptions(address string, port int) Options {
	return Options{
		Config: config.ClientConfig{
			Address:       address,
			Port:          port,
			AutoReconnect: true,
		},
		Device:            device.NewMemory(),
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		DialTimeout:       time.Second,
	}
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected state %v within %v, still %v", want, timeout, s.State())
}

func TestSessionConnectsAndSamplesLatency(t *testing.T) {
	srv := startTestServer(t, true)
	addr, port := srv.addr()

	s, err := New(testOptions(addr, port))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, StateConnected, 2*time.Second)

	// A few heartbeat intervals later there must be latency samples.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Metrics().Snapshot().LatencySamples > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Metrics().Snapshot().LatencySamples == 0 {
		t.Error("Expected latency samples from heartbeat round trips")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil from Run after explicit stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected terminal state disconnected, got %v", s.State())
	}
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	srv := startTestServer(t, false) // never answers PINGs
	addr, port := srv.addr()

	s, err := New(testOptions(addr, port))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForState(t, s, StateConnected, 2*time.Second)
	start := time.Now()

	// Dead link must be detected within the timeout plus one interval
	// of slack for the ticker.
	waitForState(t, s, StateReconnecting, 500*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Dead link detected after %v, expected within the threshold", elapsed)
	}
}

func TestConnectFailureBacksOffAndStops(t *testing.T) {
	// Grab a port and close it so dialing is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s, err := New(testOptions("127.0.0.1", port))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, StateReconnecting, 2*time.Second)

	// Explicit stop is honored from Reconnecting.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil from Run after stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop during reconnect")
	}
}

func TestNoAutoReconnectSurfacesConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	opts := testOptions("127.0.0.1", port)
	opts.Config.AutoReconnect = false

	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = s.Run(context.Background())
	if !errors.Is(err, proto.ErrConnectFailed) {
		t.Errorf("Expected ErrConnectFailed, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected disconnected after failed connect, got %v", s.State())
	}
}

func TestDataForwardingBothDirections(t *testing.T) {
	srv := startTestServer(t, true)
	addr, port := srv.addr()

	dev := device.NewMemory()
	opts := testOptions(addr, port)
	opts.Device = dev

	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitForState(t, s, StateConnected, 2*time.Second)

	// Application writes into the virtual device reach the server.
	dev.Feed([]byte("G0 X5\n"))
	select {
	case got := <-srv.data:
		if !bytes.Equal(got, []byte("G0 X5\n")) {
			t.Errorf("Expected server to receive G0 X5, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received forwarded device bytes")
	}

	// Server data lands in the virtual device.
	srv.send(proto.Message{Kind: proto.KindData, Payload: []byte("ok\n")})
	select {
	case got := <-dev.Written:
		if !bytes.Equal(got, []byte("ok\n")) {
			t.Errorf("Expected device write ok, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Device never received server bytes")
	}
}

func TestFrameSinkReceivesFrames(t *testing.T) {
	srv := startTestServer(t, true)
	addr, port := srv.addr()

	frames := make(chan []byte, 4)
	opts := testOptions(addr, port)
	opts.FrameSink = func(p []byte) { frames <- p }

	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitForState(t, s, StateConnected, 2*time.Second)

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
	srv.send(proto.Message{Kind: proto.KindFrame, Payload: jpeg})

	select {
	case got := <-frames:
		if !bytes.Equal(got, jpeg) {
			t.Errorf("Expected frame bytes passed through unmodified, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Frame sink never received the frame")
	}
}
