// Package transport wraps an established byte-stream connection with
// message framing. Send and Receive move whole messages only; partial
// frames are buffered internally and never exposed.
package transport

import (
	"bufio"
	"log/slog"
	"net"
	"sync"

	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
)

// Transport is a framed connection. Send is safe for concurrent use so
// heartbeat and data traffic can share one connection; each frame is
// written whole under the write lock, so neither can split or starve
// the other mid-frame. Receive must be called from a single goroutine.
type Transport struct {
	conn    net.Conn
	reader  *bufio.Reader
	wmu     sync.Mutex
	metrics *metrics.Collector
}

// New wraps an already-established plaintext connection. For an
// encrypted transport use NewTLSClient or NewTLSServer instead.
func New(conn net.Conn, m *metrics.Collector) *Transport {
	return &Transport{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		metrics: m,
	}
}

// Send blocks until the full frame is written or the connection fails.
func (t *Transport) Send(msg proto.Message) error {
	body := msg.Marshal()

	t.wmu.Lock()
	err := proto.WriteFrame(t.conn, body)
	t.wmu.Unlock()
	if err != nil {
		return err
	}

	if t.metrics != nil {
		t.metrics.AddSent(4 + len(body))
	}
	slog.Debug("Sent message", "kind", msg.Kind.String(), "size", len(msg.Payload))
	return nil
}

// Receive blocks until a full message is available or the connection
// fails or is closed. Zero-length keepalive frames are consumed here
// and never surface to callers.
func (t *Transport) Receive() (proto.Message, error) {
	for {
		body, err := proto.ReadFrame(t.reader)
		if err != nil {
			return proto.Message{}, err
		}
		if t.metrics != nil {
			t.metrics.AddReceived(4 + len(body))
		}
		if len(body) == 0 {
			continue
		}
		msg, err := proto.Unmarshal(body)
		if err != nil {
			return proto.Message{}, err
		}
		slog.Debug("Received message", "kind", msg.Kind.String(), "size", len(msg.Payload))
		return msg, nil
	}
}

// SendKeepalive writes a zero-length frame.
func (t *Transport) SendKeepalive() error {
	t.wmu.Lock()
	err := proto.WriteFrame(t.conn, nil)
	t.wmu.Unlock()
	if err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.AddSent(4)
	}
	return nil
}

// Close closes the underlying connection, unblocking any goroutine
// waiting in Receive.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
