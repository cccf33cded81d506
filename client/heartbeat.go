package client

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
	"github.com/usblink/usblink/transport"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 15 * time.Second
)

// heartbeat probes the link for as long as the session is operating.
// Every interval it sends a PING carrying the sender's clock; the
// read loop feeds echoed PONGs back through observePong. If no PONG
// lands within the dead-link timeout, the monitor reports
// proto.ErrLinkDead. This is the only mechanism that catches a
// partition that never surfaces as a TCP error.
//
// PINGs are written directly to the transport, which serializes whole
// frames under its write lock, so liveness probing is never delayed by
// queued command traffic.
type heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	tr       *transport.Transport
	metrics  *metrics.Collector

	lastPong atomic.Int64 // UnixNano of the last observed PONG
}

func newHeartbeat(interval, timeout time.Duration, tr *transport.Transport, m *metrics.Collector) *heartbeat {
	h := &heartbeat{
		interval: interval,
		timeout:  timeout,
		tr:       tr,
		metrics:  m,
	}
	h.lastPong.Store(time.Now().UnixNano())
	return h
}

// run ticks until the link dies, a send fails, or stop closes.
// Failures are reported once on errs.
func (h *heartbeat) run(stop <-chan struct{}, errs chan<- error) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if h.sincePong() >= h.timeout {
			slog.Warn("Heartbeat timed out", "silent_for", h.sincePong().Round(time.Millisecond))
			reportErr(errs, proto.ErrLinkDead)
			return
		}
		if err := h.tr.Send(proto.NewPing(time.Now())); err != nil {
			reportErr(errs, err)
			return
		}
	}
}

// observePong records a latency sample from an echoed PONG.
func (h *heartbeat) observePong(msg proto.Message) {
	now := time.Now()
	rtt, err := proto.PongLatency(msg, now)
	if err != nil {
		slog.Warn("Malformed pong", "error", err)
		return
	}
	h.lastPong.Store(now.UnixNano())
	if h.metrics != nil {
		h.metrics.AddLatency(rtt)
	}
	slog.Debug("Heartbeat round trip", "rtt", rtt.Round(time.Microsecond))
}

func (h *heartbeat) sincePong() time.Duration {
	return time.Duration(time.Now().UnixNano() - h.lastPong.Load())
}

// reportErr delivers the first failure without blocking on a full
// channel; later failures of the same session are redundant.
func reportErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
